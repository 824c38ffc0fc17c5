package model

import (
	"errors"
	"time"
)

// EventType classifies a SecurityEvent.
type EventType string

const (
	EventBan          EventType = "BAN"
	EventUnban        EventType = "UNBAN"
	EventRateLimit    EventType = "RATE_LIMIT"
	EventEmailBlocked EventType = "EMAIL_BLOCKED"
	EventLoginFailed  EventType = "LOGIN_FAILED"
	EventLoginSuccess EventType = "LOGIN_SUCCESS"
)

var ErrEventTypeEmpty = errors.New("security event type must not be empty")

// SecurityEvent is one entry of the append-only audit log.
type SecurityEvent struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	IP        string    `json:"ip"`
	Type      EventType `json:"event_type"`
	Details   string    `json:"details"`
	Action    string    `json:"action_taken"`
}

// Validate checks that the event can be stored.
func (e *SecurityEvent) Validate() error {
	if e.Type == "" {
		return ErrEventTypeEmpty
	}
	return nil
}

// Violator is an IP ranked by recorded violations.
type Violator struct {
	IP             string `json:"ip"`
	ViolationCount int    `json:"violation_count"`
	BanCount       int    `json:"ban_count"`
}

// SecurityStats summarises the ban ledger.
type SecurityStats struct {
	TotalBannedIPs int        `json:"total_banned_ips"`
	ActiveBans     int        `json:"active_bans"`
	RecentEvents   int        `json:"recent_events"` // last hour
	TopViolators   []Violator `json:"top_violators"`
}

// SecurityReport is the full view served to operators.
type SecurityReport struct {
	Stats        SecurityStats      `json:"stats"`
	RecentEvents []SecurityEvent    `json:"recent_events"`
	BannedIPs    []BanRecord        `json:"banned_ips"`
	TopIPs       []IPTrackingRecord `json:"top_ips"` // busiest over the last day
}
