package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks admin server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// API counters
	APIRequests    atomic.Int64 // requests served under /api
	SuccessfulAuth atomic.Int64 // successful admin logins
	FailedAuth     atomic.Int64 // failed admin logins
	DeniedLogins   atomic.Int64 // logins refused because the IP is banned

	// Alias counters
	AliasesCreated atomic.Int64
	AliasesDeleted atomic.Int64

	// Security counters
	ManualBans   atomic.Int64 // bans issued through the API
	ManualUnbans atomic.Int64 // bans lifted through the API
	Sweeps       atomic.Int64 // expired-ban sweeps run
	SweepErrors  atomic.Int64 // sweeps that failed
	BansExpired  atomic.Int64 // bans removed by sweeps
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	APIRequests    int64 `json:"api_requests"`
	SuccessfulAuth int64 `json:"successful_auth"`
	FailedAuth     int64 `json:"failed_auth"`
	DeniedLogins   int64 `json:"denied_logins"`

	AliasesCreated int64 `json:"aliases_created"`
	AliasesDeleted int64 `json:"aliases_deleted"`

	ManualBans   int64 `json:"manual_bans"`
	ManualUnbans int64 `json:"manual_unbans"`
	Sweeps       int64 `json:"sweeps"`
	SweepErrors  int64 `json:"sweep_errors"`
	BansExpired  int64 `json:"bans_expired"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:         uptime.Truncate(time.Second).String(),
		UptimeSeconds:  int64(uptime.Seconds()),
		APIRequests:    m.APIRequests.Load(),
		SuccessfulAuth: m.SuccessfulAuth.Load(),
		FailedAuth:     m.FailedAuth.Load(),
		DeniedLogins:   m.DeniedLogins.Load(),
		AliasesCreated: m.AliasesCreated.Load(),
		AliasesDeleted: m.AliasesDeleted.Load(),
		ManualBans:     m.ManualBans.Load(),
		ManualUnbans:   m.ManualUnbans.Load(),
		Sweeps:         m.Sweeps.Load(),
		SweepErrors:    m.SweepErrors.Load(),
		BansExpired:    m.BansExpired.Load(),
	}
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"api_requests", s.APIRequests,
		"logins_failed", s.FailedAuth,
		"manual_bans", s.ManualBans,
		"bans_expired", s.BansExpired,
		"sweep_errors", s.SweepErrors,
	)
}

// RunPeriodicLog logs metrics every interval until ctx is cancelled.
func (m *Metrics) RunPeriodicLog(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.LogSummary()
		}
	}
}
