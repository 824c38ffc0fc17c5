package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	healthCheckTimeout = 3 * time.Second
	highActiveBans     = 10
)

// SecurityHealth is the security section of a health report.
type SecurityHealth struct {
	Status       string `json:"status"` // operational | unavailable | error
	ActiveBans   int    `json:"activeBans"`
	RecentEvents int    `json:"recentEvents"`
	Error        string `json:"error,omitempty"`
}

// HealthReport is the body of GET /api/health.
type HealthReport struct {
	Status      string         `json:"status"` // healthy | degraded | error
	Database    bool           `json:"database"`
	SMTP        bool           `json:"smtp"`
	Security    SecurityHealth `json:"security"`
	LastChecked time.Time      `json:"lastChecked"`
	Warnings    []string       `json:"warnings"`
}

// Health runs the database, SMTP and security checks concurrently.
func (s *Server) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var (
		g   errgroup.Group
		rep = HealthReport{LastChecked: time.Now().UTC(), Warnings: []string{}}
	)
	g.Go(func() error {
		if err := s.store.Ping(ctx); err != nil {
			slog.Warn("health: database", "err", err)
			return nil
		}
		rep.Database = true
		return nil
	})
	g.Go(func() error {
		conn, err := s.dial(ctx, "tcp", s.cfg.SMTPAddr)
		if err != nil {
			slog.Debug("health: smtp", "addr", s.cfg.SMTPAddr, "err", err)
			return nil
		}
		_ = conn.Close()
		rep.SMTP = true
		return nil
	})
	g.Go(func() error {
		rep.Security = s.securityHealth(ctx)
		return nil
	})
	_ = g.Wait()

	rep.Status = "healthy"
	switch {
	case !rep.Database:
		rep.Status = "error"
	case !rep.SMTP:
		rep.Status = "degraded"
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("SMTP port not accessible at %s", s.cfg.SMTPAddr))
	}
	switch {
	case rep.Security.Status == "error":
		rep.Warnings = append(rep.Warnings, "Security system error: "+rep.Security.Error)
	case rep.Security.Status == "unavailable":
		rep.Warnings = append(rep.Warnings, "Security system unavailable - mail is relayed without rate limiting")
	case rep.Security.ActiveBans > highActiveBans:
		rep.Warnings = append(rep.Warnings,
			fmt.Sprintf("High number of active IP bans (%d) - potential ongoing attack", rep.Security.ActiveBans))
	}
	return rep
}

func (s *Server) securityHealth(ctx context.Context) SecurityHealth {
	if !s.mitigator.Available() {
		return SecurityHealth{Status: "unavailable", Error: "Security manager initialization failed"}
	}
	report, err := s.mitigator.Report(ctx)
	if err != nil {
		return SecurityHealth{Status: "error", Error: err.Error()}
	}
	return SecurityHealth{
		Status:       "operational",
		ActiveBans:   report.Stats.ActiveBans,
		RecentEvents: report.Stats.RecentEvents,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Health(r.Context()))
}
