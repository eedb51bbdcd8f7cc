package model

import "time"

// UserRiskRecord is the persisted risk state for a reader. Created lazily on
// the first activity check; reset clears score and flags but never deletes
// the record. The capped audit log lives beside it in the store.
type UserRiskRecord struct {
	UserID         string    `json:"userID"`
	BotScore       int       `json:"botScore"`
	IsBot          bool      `json:"isBot"`
	IsSuspicious   bool      `json:"isSuspicious"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// UserCheckResult is the verdict returned by a user activity check.
type UserCheckResult struct {
	IsBot        bool     `json:"isBot"`
	IsSuspicious bool     `json:"isSuspicious"`
	BotScore     int      `json:"botScore"`
	Reasons      []string `json:"reasons,omitempty"`
}
