package security

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/ghostinbox/ghostinbox/pkg/model"
)

// Limits are the per-IP traffic thresholds. A counter above its limit
// triggers a ban.
type Limits struct {
	EmailsPerMinute      int `yaml:"emails_per_minute"`
	EmailsPerHour        int `yaml:"emails_per_hour"`
	EmailsPerDay         int `yaml:"emails_per_day"`
	ConnectionsPerMinute int `yaml:"connections_per_minute"`
	ConnectionsPerHour   int `yaml:"connections_per_hour"`
}

// Max returns the limit for kind in window, or 0 when the pair is not limited.
func (l Limits) Max(kind model.TrafficKind, w model.Window) int {
	if kind == model.TrafficConnection {
		switch w {
		case model.WindowMinute:
			return l.ConnectionsPerMinute
		case model.WindowHour:
			return l.ConnectionsPerHour
		}
		return 0
	}
	switch w {
	case model.WindowMinute:
		return l.EmailsPerMinute
	case model.WindowHour:
		return l.EmailsPerHour
	case model.WindowDay:
		return l.EmailsPerDay
	}
	return 0
}

// BanDurations maps each tier to a temporary ban length.
type BanDurations struct {
	Light  time.Duration `yaml:"light"`
	Medium time.Duration `yaml:"medium"`
	Heavy  time.Duration `yaml:"heavy"`
}

// PermanentRules decide when a violation earns a permanent ban instead of a
// temporary one.
type PermanentRules struct {
	CriticalEmailsPerMinute      int           `yaml:"critical_emails_per_minute"`
	CriticalConnectionsPerMinute int           `yaml:"critical_connections_per_minute"`
	CriticalRecency              time.Duration `yaml:"critical_recency"`
	RepeatOffenderBans           int           `yaml:"repeat_offender_bans"`
	PersistentViolations         int           `yaml:"persistent_violations"`
	RapidViolations              int           `yaml:"rapid_violations"`
	RapidWindow                  time.Duration `yaml:"rapid_window"`
}

// Policy is the complete rate-limit and ban configuration.
type Policy struct {
	Limits       Limits         `yaml:"limits"`
	BanDurations BanDurations   `yaml:"ban_durations"`
	Permanent    PermanentRules `yaml:"permanent"`
	Whitelist    []string       `yaml:"whitelist"`
}

// DefaultPolicy returns limits sized for a personal relay.
func DefaultPolicy() Policy {
	return Policy{
		Limits: Limits{
			EmailsPerMinute:      10,
			EmailsPerHour:        50,
			EmailsPerDay:         200,
			ConnectionsPerMinute: 20,
			ConnectionsPerHour:   100,
		},
		BanDurations: BanDurations{
			Light:  30 * time.Minute,
			Medium: 2 * time.Hour,
			Heavy:  24 * time.Hour,
		},
		Permanent: PermanentRules{
			CriticalEmailsPerMinute:      100,
			CriticalConnectionsPerMinute: 200,
			CriticalRecency:              5 * time.Minute,
			RepeatOffenderBans:           3,
			PersistentViolations:         10,
			RapidViolations:              5,
			RapidWindow:                  24 * time.Hour,
		},
		Whitelist: []string{"127.0.0.1", "::1"},
	}
}

// Validate rejects non-positive limits, durations and malformed whitelist entries.
func (p Policy) Validate() error {
	var errs []error
	positive := map[string]int{
		"limits.emails_per_minute":                  p.Limits.EmailsPerMinute,
		"limits.emails_per_hour":                    p.Limits.EmailsPerHour,
		"limits.emails_per_day":                     p.Limits.EmailsPerDay,
		"limits.connections_per_minute":             p.Limits.ConnectionsPerMinute,
		"limits.connections_per_hour":               p.Limits.ConnectionsPerHour,
		"permanent.critical_emails_per_minute":      p.Permanent.CriticalEmailsPerMinute,
		"permanent.critical_connections_per_minute": p.Permanent.CriticalConnectionsPerMinute,
		"permanent.repeat_offender_bans":            p.Permanent.RepeatOffenderBans,
		"permanent.persistent_violations":           p.Permanent.PersistentViolations,
		"permanent.rapid_violations":                p.Permanent.RapidViolations,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("security: %s must be positive, got %d", name, v))
		}
	}
	durations := map[string]time.Duration{
		"ban_durations.light":        p.BanDurations.Light,
		"ban_durations.medium":       p.BanDurations.Medium,
		"ban_durations.heavy":        p.BanDurations.Heavy,
		"permanent.critical_recency": p.Permanent.CriticalRecency,
		"permanent.rapid_window":     p.Permanent.RapidWindow,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("security: %s must be positive, got %s", name, d))
		}
	}
	for _, ip := range p.Whitelist {
		if _, err := netip.ParseAddr(ip); err != nil {
			errs = append(errs, fmt.Errorf("security: whitelist entry %q: %w", ip, err))
		}
	}
	return errors.Join(errs...)
}

// TierDuration returns the temporary ban length for severity.
func (p Policy) TierDuration(s model.Severity) time.Duration {
	switch s {
	case model.SeverityLight:
		return p.BanDurations.Light
	case model.SeverityHeavy:
		return p.BanDurations.Heavy
	default:
		return p.BanDurations.Medium
	}
}

// tierFor maps the window whose threshold fired to a ban tier.
func tierFor(w model.Window) model.Severity {
	switch w {
	case model.WindowMinute:
		return model.SeverityLight
	case model.WindowHour:
		return model.SeverityMedium
	default:
		return model.SeverityHeavy
	}
}

// ExtendDuration returns the length of a ban issued while another is still
// active: the new tier's duration or 1.5 times the existing one, whichever
// is longer. Re-banning therefore never shortens a ban.
func ExtendDuration(existing, tier time.Duration) time.Duration {
	if extended := existing * 3 / 2; extended > tier {
		return extended
	}
	return tier
}
