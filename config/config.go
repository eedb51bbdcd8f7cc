package config

import (
	"log"

	"github.com/spf13/viper"
)

type WebServerConfig struct {
	Port            string `mapstructure:"port"`
	IP              string `mapstructure:"ip"`
	Scheme          string `mapstructure:"scheme"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Address          string `mapstructure:"address"`
	Password         string `mapstructure:"password"`
	DB               int    `mapstructure:"db"`
	PoolSize         int    `mapstructure:"pool_size"`
	MinIdleConns     int    `mapstructure:"min_idle_conns"`
	OperationTimeout int    `mapstructure:"operation_timeout"`
}

type CacheConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxSizeMB   int  `mapstructure:"max_size_mb"`
	TTLSeconds  int  `mapstructure:"ttl_seconds"`
	CounterSize int  `mapstructure:"counter_size"`
}

// RateLimitConfig holds both the coarse per-IP token bucket applied in front of
// the engine and the tiered sliding-window limits the engine itself enforces.
// A blocked source always resolves to a limit of 0 (deny everything).
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	WindowSeconds     int     `mapstructure:"window_seconds"`
	Normal            int     `mapstructure:"normal"`
	Suspicious        int     `mapstructure:"suspicious"`
	Anonymous         int     `mapstructure:"anonymous"`
}

// UserScoringConfig holds the weights and thresholds for the per-user reading
// activity heuristics. The weights are policy constants tuned by operations,
// not derived from data; change them here, never in code.
type UserScoringConfig struct {
	MinReadIntervalSeconds int `mapstructure:"min_read_interval_seconds"`
	WeightFastReading      int `mapstructure:"weight_fast_reading"`
	MaxChaptersPerHour     int `mapstructure:"max_chapters_per_hour"`
	WeightHourlyVolume     int `mapstructure:"weight_hourly_volume"`
	SameTitleThreshold     int `mapstructure:"same_title_threshold"`
	WeightSameTitle        int `mapstructure:"weight_same_title"`
	OffHoursStart          int `mapstructure:"off_hours_start"`
	OffHoursEnd            int `mapstructure:"off_hours_end"`
	WeightOffHours         int `mapstructure:"weight_off_hours"`
	SuspiciousThreshold    int `mapstructure:"suspicious_threshold"`
	BotThreshold           int `mapstructure:"bot_threshold"`
	LogRetentionHours      int `mapstructure:"log_retention_hours"`
	LogMaxEntries          int `mapstructure:"log_max_entries"`
	AuditMaxEntries        int `mapstructure:"audit_max_entries"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
}

// IPTrackingConfig holds the weights and thresholds for the per-IP request
// heuristics and the automatic block state machine.
type IPTrackingConfig struct {
	WeightRateLimit          int     `mapstructure:"weight_rate_limit"`
	DailyRequestThreshold    int64   `mapstructure:"daily_request_threshold"`
	WeightDailyVolume        int     `mapstructure:"weight_daily_volume"`
	BurstSampleSize          int     `mapstructure:"burst_sample_size"`
	BurstFastMs              int64   `mapstructure:"burst_fast_ms"`
	WeightBurstFast          int     `mapstructure:"weight_burst_fast"`
	BurstMediumMs            int64   `mapstructure:"burst_medium_ms"`
	WeightBurstMedium        int     `mapstructure:"weight_burst_medium"`
	EndpointUniqueThreshold  int     `mapstructure:"endpoint_unique_threshold"`
	EndpointRatioThreshold   float64 `mapstructure:"endpoint_ratio_threshold"`
	WeightEndpointDiversity  int     `mapstructure:"weight_endpoint_diversity"`
	WeightOffHours           int     `mapstructure:"weight_off_hours"`
	SuspiciousThreshold      int     `mapstructure:"suspicious_threshold"`
	BlockThreshold           int     `mapstructure:"block_threshold"`
	BlockDurationMinutes     int     `mapstructure:"block_duration_minutes"`
	ActivityLogMaxEntries    int     `mapstructure:"activity_log_max_entries"`
	SuspiciousLogMaxEntries  int     `mapstructure:"suspicious_log_max_entries"`
	PreflightCacheTTLSeconds int     `mapstructure:"preflight_cache_ttl_seconds"`
}

type AdminConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Enabled bool   `mapstructure:"enabled"`
}

type Config struct {
	WebServer   WebServerConfig   `mapstructure:"webserver"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cache       CacheConfig       `mapstructure:"cache"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	UserScoring UserScoringConfig `mapstructure:"user_scoring"`
	IPTracking  IPTrackingConfig  `mapstructure:"ip_tracking"`
	Admin       AdminConfig       `mapstructure:"admin"`
}

func LoadConfig() (Config, error) {
	var config Config

	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Enable environment variable overrides
	viper.SetEnvPrefix("READGUARD")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// A missing config file is fine: every threshold has a documented default.
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Printf("Error reading config file: %v", err)
			return config, err
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		log.Printf("Unable to decode into struct: %v", err)
		return config, err
	}

	return config, nil
}

func MustLoadConfig() Config {
	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return config
}

// Defaults returns a Config populated with the documented default values,
// without touching the filesystem or environment. Intended for tests and for
// embedding the engine as a library.
func Defaults() Config {
	return Config{
		WebServer: WebServerConfig{
			Port:            "8080",
			IP:              "127.0.0.1",
			Scheme:          "http",
			ReadTimeout:     15,
			WriteTimeout:    15,
			ShutdownTimeout: 30,
		},
		Redis: RedisConfig{
			Address:          "localhost:6379",
			PoolSize:         10,
			MinIdleConns:     5,
			OperationTimeout: 5,
		},
		Cache: CacheConfig{
			Enabled:     true,
			MaxSizeMB:   64,
			TTLSeconds:  2,
			CounterSize: 100000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50.0,
			Burst:             100,
			WindowSeconds:     60,
			Normal:            60,
			Suspicious:        20,
			Anonymous:         30,
		},
		UserScoring: UserScoringConfig{
			MinReadIntervalSeconds: 10,
			WeightFastReading:      20,
			MaxChaptersPerHour:     100,
			WeightHourlyVolume:     30,
			SameTitleThreshold:     10,
			WeightSameTitle:        15,
			OffHoursStart:          2,
			OffHoursEnd:            6,
			WeightOffHours:         10,
			SuspiciousThreshold:    50,
			BotThreshold:           80,
			LogRetentionHours:      24,
			LogMaxEntries:          1000,
			AuditMaxEntries:        100,
			CleanupIntervalMinutes: 10,
		},
		IPTracking: IPTrackingConfig{
			WeightRateLimit:          20,
			DailyRequestThreshold:    500,
			WeightDailyVolume:        10,
			BurstSampleSize:          20,
			BurstFastMs:              500,
			WeightBurstFast:          25,
			BurstMediumMs:            1000,
			WeightBurstMedium:        15,
			EndpointUniqueThreshold:  50,
			EndpointRatioThreshold:   0.8,
			WeightEndpointDiversity:  10,
			WeightOffHours:           10,
			SuspiciousThreshold:      30,
			BlockThreshold:           60,
			BlockDurationMinutes:     60,
			ActivityLogMaxEntries:    500,
			SuspiciousLogMaxEntries:  100,
			PreflightCacheTTLSeconds: 2,
		},
		Admin: AdminConfig{Enabled: true},
	}
}

func setDefaults() {
	d := Defaults()

	// WebServer defaults
	viper.SetDefault("webserver.port", d.WebServer.Port)
	viper.SetDefault("webserver.ip", d.WebServer.IP)
	viper.SetDefault("webserver.scheme", d.WebServer.Scheme)
	viper.SetDefault("webserver.read_timeout", d.WebServer.ReadTimeout)
	viper.SetDefault("webserver.write_timeout", d.WebServer.WriteTimeout)
	viper.SetDefault("webserver.shutdown_timeout", d.WebServer.ShutdownTimeout)

	// Redis defaults
	viper.SetDefault("redis.address", d.Redis.Address)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", d.Redis.PoolSize)
	viper.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	viper.SetDefault("redis.operation_timeout", d.Redis.OperationTimeout)

	// Cache defaults
	viper.SetDefault("cache.enabled", d.Cache.Enabled)
	viper.SetDefault("cache.max_size_mb", d.Cache.MaxSizeMB)
	viper.SetDefault("cache.ttl_seconds", d.Cache.TTLSeconds)
	viper.SetDefault("cache.counter_size", d.Cache.CounterSize)

	// RateLimit defaults
	viper.SetDefault("ratelimit.requests_per_second", d.RateLimit.RequestsPerSecond)
	viper.SetDefault("ratelimit.burst", d.RateLimit.Burst)
	viper.SetDefault("ratelimit.window_seconds", d.RateLimit.WindowSeconds)
	viper.SetDefault("ratelimit.normal", d.RateLimit.Normal)
	viper.SetDefault("ratelimit.suspicious", d.RateLimit.Suspicious)
	viper.SetDefault("ratelimit.anonymous", d.RateLimit.Anonymous)

	// User scoring defaults
	viper.SetDefault("user_scoring.min_read_interval_seconds", d.UserScoring.MinReadIntervalSeconds)
	viper.SetDefault("user_scoring.weight_fast_reading", d.UserScoring.WeightFastReading)
	viper.SetDefault("user_scoring.max_chapters_per_hour", d.UserScoring.MaxChaptersPerHour)
	viper.SetDefault("user_scoring.weight_hourly_volume", d.UserScoring.WeightHourlyVolume)
	viper.SetDefault("user_scoring.same_title_threshold", d.UserScoring.SameTitleThreshold)
	viper.SetDefault("user_scoring.weight_same_title", d.UserScoring.WeightSameTitle)
	viper.SetDefault("user_scoring.off_hours_start", d.UserScoring.OffHoursStart)
	viper.SetDefault("user_scoring.off_hours_end", d.UserScoring.OffHoursEnd)
	viper.SetDefault("user_scoring.weight_off_hours", d.UserScoring.WeightOffHours)
	viper.SetDefault("user_scoring.suspicious_threshold", d.UserScoring.SuspiciousThreshold)
	viper.SetDefault("user_scoring.bot_threshold", d.UserScoring.BotThreshold)
	viper.SetDefault("user_scoring.log_retention_hours", d.UserScoring.LogRetentionHours)
	viper.SetDefault("user_scoring.log_max_entries", d.UserScoring.LogMaxEntries)
	viper.SetDefault("user_scoring.audit_max_entries", d.UserScoring.AuditMaxEntries)
	viper.SetDefault("user_scoring.cleanup_interval_minutes", d.UserScoring.CleanupIntervalMinutes)

	// IP tracking defaults
	viper.SetDefault("ip_tracking.weight_rate_limit", d.IPTracking.WeightRateLimit)
	viper.SetDefault("ip_tracking.daily_request_threshold", d.IPTracking.DailyRequestThreshold)
	viper.SetDefault("ip_tracking.weight_daily_volume", d.IPTracking.WeightDailyVolume)
	viper.SetDefault("ip_tracking.burst_sample_size", d.IPTracking.BurstSampleSize)
	viper.SetDefault("ip_tracking.burst_fast_ms", d.IPTracking.BurstFastMs)
	viper.SetDefault("ip_tracking.weight_burst_fast", d.IPTracking.WeightBurstFast)
	viper.SetDefault("ip_tracking.burst_medium_ms", d.IPTracking.BurstMediumMs)
	viper.SetDefault("ip_tracking.weight_burst_medium", d.IPTracking.WeightBurstMedium)
	viper.SetDefault("ip_tracking.endpoint_unique_threshold", d.IPTracking.EndpointUniqueThreshold)
	viper.SetDefault("ip_tracking.endpoint_ratio_threshold", d.IPTracking.EndpointRatioThreshold)
	viper.SetDefault("ip_tracking.weight_endpoint_diversity", d.IPTracking.WeightEndpointDiversity)
	viper.SetDefault("ip_tracking.weight_off_hours", d.IPTracking.WeightOffHours)
	viper.SetDefault("ip_tracking.suspicious_threshold", d.IPTracking.SuspiciousThreshold)
	viper.SetDefault("ip_tracking.block_threshold", d.IPTracking.BlockThreshold)
	viper.SetDefault("ip_tracking.block_duration_minutes", d.IPTracking.BlockDurationMinutes)
	viper.SetDefault("ip_tracking.activity_log_max_entries", d.IPTracking.ActivityLogMaxEntries)
	viper.SetDefault("ip_tracking.suspicious_log_max_entries", d.IPTracking.SuspiciousLogMaxEntries)
	viper.SetDefault("ip_tracking.preflight_cache_ttl_seconds", d.IPTracking.PreflightCacheTTLSeconds)

	// Admin defaults
	viper.SetDefault("admin.api_key", "")
	viper.SetDefault("admin.enabled", true)
}
