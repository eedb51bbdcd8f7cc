package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reading-platform/model"

	"github.com/go-redis/redis/v8"
)

const (
	ipRecordKeyPrefix    = "abuse:ip:"
	userRecordKeyPrefix  = "abuse:user:"
	userAuditKeyPrefix   = "abuse:user_audit:"
	blockedIPsKey        = "abuse:ips:blocked"
	suspiciousIPsKey     = "abuse:ips:suspicious"
	suspiciousUsersKey   = "abuse:users:suspicious"
	statsKey             = "abuse:stats"
	blockReasonsKey      = "abuse:stats:block_reasons"
	detectionTimelineKey = "abuse:stats:detections_timeline"

	// Retries for the optimistic WATCH/MULTI update loop.
	maxTxRetries = 100

	topReasonsLimit = 10
)

var ErrTooMuchContention = errors.New("record update failed after max retries")

// RedisStore implements RecordStore on a Redis client. IP records are stored
// as JSON documents and mutated inside a WATCH/MULTI transaction so that
// block-state transitions and counter updates survive concurrent writers.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func ipRecordKey(ip string) string {
	return ipRecordKeyPrefix + ip
}

func userRecordKey(userID string) string {
	return userRecordKeyPrefix + userID
}

func userAuditKey(userID string) string {
	return userAuditKeyPrefix + userID
}

func (s *RedisStore) GetIPRecord(ctx context.Context, ip string) (*model.IPRiskRecord, error) {
	raw, err := s.client.Get(ctx, ipRecordKey(ip)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load IP record: %w", err)
	}

	var rec model.IPRiskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode IP record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) UpdateIPRecord(ctx context.Context, ip string, mutate func(*model.IPRiskRecord)) (*model.IPRiskRecord, error) {
	key := ipRecordKey(ip)
	var updated *model.IPRiskRecord

	txf := func(tx *redis.Tx) error {
		rec := model.NewIPRiskRecord(ip, s.now())

		raw, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if decodeErr := json.Unmarshal([]byte(raw), rec); decodeErr != nil {
				return fmt.Errorf("failed to decode IP record: %w", decodeErr)
			}
		}

		mutate(rec)

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode IP record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if rec.IsBlocked {
				pipe.SAdd(ctx, blockedIPsKey, ip)
			} else {
				pipe.SRem(ctx, blockedIPsKey, ip)
			}
			if rec.IsSuspicious {
				pipe.SAdd(ctx, suspiciousIPsKey, ip)
			} else {
				pipe.SRem(ctx, suspiciousIPsKey, ip)
			}
			return nil
		})
		if err != nil {
			return err
		}

		updated = rec
		return nil
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			// Another writer touched the record; retry against fresh state.
			continue
		}
		return nil, err
	}
	return nil, ErrTooMuchContention
}

func (s *RedisStore) ListBlockedIPs(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, blockedIPsKey).Result()
}

func (s *RedisStore) ListSuspiciousIPs(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, suspiciousIPsKey).Result()
}

func (s *RedisStore) GetUserRecord(ctx context.Context, userID string) (*model.UserRiskRecord, error) {
	raw, err := s.client.Get(ctx, userRecordKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user record: %w", err)
	}

	var rec model.UserRiskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode user record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) SaveUserRecord(ctx context.Context, rec *model.UserRiskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode user record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, userRecordKey(rec.UserID), payload, 0)
	if rec.IsSuspicious {
		pipe.SAdd(ctx, suspiciousUsersKey, rec.UserID)
	} else {
		pipe.SRem(ctx, suspiciousUsersKey, rec.UserID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListSuspiciousUsers(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, suspiciousUsersKey).Result()
}

func (s *RedisStore) AppendUserAudit(ctx context.Context, userID string, ev model.ScoreEvent, maxEntries int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	key := userAuditKey(userID)

	// Most recent first, capped by trimming the tail.
	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("failed to store audit entry: %w", err)
	}
	if maxEntries > 0 {
		if err := s.client.LTrim(ctx, key, 0, int64(maxEntries-1)).Err(); err != nil {
			return fmt.Errorf("failed to trim audit log: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) GetUserAudit(ctx context.Context, userID string, limit int) ([]model.ScoreEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := s.client.LRange(ctx, userAuditKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	}

	events := make([]model.ScoreEvent, 0, len(raw))
	for _, item := range raw {
		var ev model.ScoreEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue // skip malformed entries rather than failing the query
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *RedisStore) IncrStat(ctx context.Context, field string, delta int64) error {
	return s.client.HIncrBy(ctx, statsKey, field, delta).Err()
}

func (s *RedisStore) RecordDetection(ctx context.Context, subject, reason string) error {
	now := s.now().Unix()

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, statsKey, StatDetections, 1)
	pipe.ZAdd(ctx, detectionTimelineKey, &redis.Z{
		Score:  float64(now),
		Member: fmt.Sprintf("%s:%d", subject, now),
	})
	pipe.ZIncrBy(ctx, blockReasonsKey, 1, reason)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetStats(ctx context.Context) (*StatsSnapshot, error) {
	raw, err := s.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}

	snapshot := &StatsSnapshot{
		Counters:        make(map[string]int64, len(raw)),
		TopBlockReasons: make(map[string]int64),
	}
	for field, value := range raw {
		var n int64
		fmt.Sscan(value, &n)
		snapshot.Counters[field] = n
	}

	if count, err := s.client.SCard(ctx, blockedIPsKey).Result(); err == nil {
		snapshot.BlockedIPs = count
	}
	if count, err := s.client.SCard(ctx, suspiciousIPsKey).Result(); err == nil {
		snapshot.SuspiciousIPs = count
	}
	if count, err := s.client.SCard(ctx, suspiciousUsersKey).Result(); err == nil {
		snapshot.SuspiciousUsers = count
	}

	dayAgo := s.now().Add(-24 * time.Hour).Unix()
	if count, err := s.client.ZCount(ctx, detectionTimelineKey,
		fmt.Sprintf("%d", dayAgo), "+inf").Result(); err == nil {
		snapshot.DetectionsLast24h = count
	}

	reasons, err := s.client.ZRevRangeWithScores(ctx, blockReasonsKey, 0, topReasonsLimit-1).Result()
	if err == nil {
		for _, z := range reasons {
			if member, ok := z.Member.(string); ok {
				snapshot.TopBlockReasons[member] = int64(z.Score)
			}
		}
	}

	return snapshot, nil
}
