package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// handleMetrics writes all metrics in Prometheus text exposition format.
// Ban gauges are read from the ledger on every scrape.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	total, active, err := s.store.NonTx().CountBans(r.Context(), time.Now())
	if err != nil {
		slog.Warn("metrics: count bans", "err", err)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("ghostinbox_uptime_seconds", "Admin server uptime in seconds.", "gauge", uptime)

	write("ghostinbox_api_requests_total", "Requests served under /api.", "counter",
		m.APIRequests.Load())
	write("ghostinbox_auth_success_total", "Successful admin logins.", "counter",
		m.SuccessfulAuth.Load())
	write("ghostinbox_auth_failed_total", "Failed admin logins.", "counter",
		m.FailedAuth.Load())
	write("ghostinbox_auth_denied_total", "Logins refused from banned IPs.", "counter",
		m.DeniedLogins.Load())

	write("ghostinbox_aliases_created_total", "Aliases created through the API.", "counter",
		m.AliasesCreated.Load())
	write("ghostinbox_aliases_deleted_total", "Aliases deleted through the API.", "counter",
		m.AliasesDeleted.Load())

	write("ghostinbox_manual_bans_total", "Bans issued through the API.", "counter",
		m.ManualBans.Load())
	write("ghostinbox_manual_unbans_total", "Bans lifted through the API.", "counter",
		m.ManualUnbans.Load())
	write("ghostinbox_sweeps_total", "Expired-ban sweeps run.", "counter",
		m.Sweeps.Load())
	write("ghostinbox_sweep_errors_total", "Expired-ban sweeps that failed.", "counter",
		m.SweepErrors.Load())
	write("ghostinbox_bans_expired_total", "Bans removed by sweeps.", "counter",
		m.BansExpired.Load())

	write("ghostinbox_bans_recorded", "Ban records in the ledger.", "gauge", int64(total))
	write("ghostinbox_bans_active", "Bans currently in force.", "gauge", int64(active))
}
