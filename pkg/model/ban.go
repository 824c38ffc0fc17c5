package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity is a ban tier. Each tier maps to a fixed temporary ban duration.
type Severity int

const (
	SeverityLight  Severity = iota // per-minute threshold exceeded
	SeverityMedium                 // per-hour threshold exceeded
	SeverityHeavy                  // per-day threshold exceeded, or permanent
)

func (s Severity) String() string {
	switch s {
	case SeverityLight:
		return "light"
	case SeverityMedium:
		return "medium"
	case SeverityHeavy:
		return "heavy"
	default:
		return "unknown"
	}
}

// Valid reports whether s is a known tier.
func (s Severity) Valid() bool {
	return s >= SeverityLight && s <= SeverityHeavy
}

// ParseSeverity converts a tier name to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "light":
		return SeverityLight, nil
	case "medium", "":
		return SeverityMedium, nil
	case "heavy":
		return SeverityHeavy, nil
	default:
		return 0, fmt.Errorf("unknown severity %q (valid: light, medium, heavy)", s)
	}
}

// BanRecord is an active or expired ban for one IP.
type BanRecord struct {
	IP        string        `json:"ip"`
	BannedAt  time.Time     `json:"banned_at"`
	ExpiresAt time.Time     `json:"expires_at"` // ignored when Permanent
	Reason    string        `json:"reason"`
	Duration  time.Duration `json:"duration"`
	Permanent bool          `json:"is_permanent"`
}

// Active reports whether the ban still applies at now.
func (b *BanRecord) Active(now time.Time) bool {
	return b.Permanent || now.Before(b.ExpiresAt)
}

// Remaining returns the time left on a temporary ban, or zero once expired.
// Permanent bans report zero as well; callers check Permanent first.
func (b *BanRecord) Remaining(now time.Time) time.Duration {
	if b.Permanent || !now.Before(b.ExpiresAt) {
		return 0
	}
	return b.ExpiresAt.Sub(now)
}
