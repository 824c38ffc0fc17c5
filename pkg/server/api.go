package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/model"
	"github.com/ghostinbox/ghostinbox/pkg/security"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			s.metrics.APIRequests.Add(1)
		}
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := s.proxies.clientIP(r)

	banned, err := s.mitigator.IsBanned(ctx, ip)
	if err != nil {
		slog.Warn("login: ban check failed", "ip", ip, "err", err)
	}
	if banned {
		s.metrics.DeniedLogins.Add(1)
		slog.Warn("login attempt from banned IP", "ip", ip)
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "Access denied"})
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Login failed"})
		return
	}

	err = s.auth.checkCredentials(req.Username, req.Password)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		s.metrics.FailedAuth.Add(1)
		slog.Warn("login failed", "user", req.Username, "ip", ip)
		s.mitigator.TrackConnection(ctx, ip)
		if err := s.mitigator.RecordEvent(ctx, model.SecurityEvent{
			IP:      ip,
			Type:    model.EventLoginFailed,
			Details: "Username: " + req.Username,
			Action:  "Tracked attempt",
		}); err != nil && !errors.Is(err, security.ErrUnavailable) {
			slog.Warn("login: record event", "err", err)
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
		return
	case err != nil:
		slog.Error("login error", "ip", ip, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Login failed"})
		return
	}

	token, expires, err := s.auth.issue()
	if err != nil {
		slog.Error("login: issue token", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Login failed"})
		return
	}
	s.metrics.SuccessfulAuth.Add(1)
	slog.Info("login successful", "user", req.Username, "ip", ip)
	if err := s.mitigator.RecordEvent(ctx, model.SecurityEvent{
		IP:      ip,
		Type:    model.EventLoginSuccess,
		Details: "Username: " + req.Username,
		Action:  "Token issued",
	}); err != nil && !errors.Is(err, security.ErrUnavailable) {
		slog.Warn("login: record event", "err", err)
	}
	writeJSON(w, http.StatusOK, loginResponse{Success: true, Token: token, ExpiresAt: expires})
}

// --- aliases ---

func (s *Server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	aliases, err := s.store.NonTx().ListAliases(r.Context())
	if err != nil {
		slog.Error("list aliases", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if aliases == nil {
		aliases = []model.Alias{}
	}
	writeJSON(w, http.StatusOK, aliases)
}

type createAliasRequest struct {
	Alias string `json:"alias"`
	Note  string `json:"note"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	var req createAliasRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, successResponse{Error: err.Error()})
		return
	}
	name := model.NormalizeAliasName(req.Alias)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, successResponse{Error: "Missing alias"})
		return
	}
	if err := model.ValidateAliasName(name); err != nil {
		writeJSON(w, http.StatusBadRequest, successResponse{Error: err.Error()})
		return
	}

	created, err := s.store.NonTx().CreateAliasIfAbsent(r.Context(), name, "", strings.TrimSpace(req.Note))
	if err != nil {
		slog.Error("create alias", "alias", name, "err", err)
		writeJSON(w, http.StatusInternalServerError, successResponse{Error: err.Error()})
		return
	}
	if !created {
		writeJSON(w, http.StatusBadRequest, successResponse{Error: "Alias already exists"})
		return
	}
	s.metrics.AliasesCreated.Add(1)
	slog.Info("alias created", "alias", name)
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// aliasUpdate writes the outcome of a single-alias update.
func aliasUpdate(w http.ResponseWriter, op, name string, err error) bool {
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, successResponse{Error: "Alias not found"})
		return false
	case err != nil:
		slog.Error(op, "alias", name, "err", err)
		writeJSON(w, http.StatusInternalServerError, successResponse{Error: err.Error()})
		return false
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
	return true
}

func (s *Server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "alias")
	err := s.store.NonTx().DeleteAlias(r.Context(), name)
	if aliasUpdate(w, "delete alias", name, err) {
		s.metrics.AliasesDeleted.Add(1)
		slog.Info("alias deleted", "alias", name)
	}
}

type updateNotesRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleUpdateAliasNotes(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "alias")
	var req updateNotesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, successResponse{Error: err.Error()})
		return
	}
	err := s.store.NonTx().UpdateAliasNotes(r.Context(), name, strings.TrimSpace(req.Note))
	aliasUpdate(w, "update alias notes", name, err)
}

func (s *Server) handleSetAliasEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "alias")
		err := s.store.NonTx().SetAliasEnabled(r.Context(), name, enabled)
		if aliasUpdate(w, "set alias enabled", name, err) {
			slog.Info("alias updated", "alias", name, "enabled", enabled)
		}
	}
}

// --- wildcard ---

type wildcardState struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleGetWildcard(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.store.NonTx().WildcardEnabled(r.Context())
	if err != nil {
		slog.Error("get wildcard", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wildcardState{Enabled: &enabled})
}

// handleSetWildcard toggles the wildcard policy, or sets it when the body
// carries an explicit {"enabled": bool}.
func (s *Server) handleSetWildcard(w http.ResponseWriter, r *http.Request) {
	var req wildcardState
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	tx, err := s.store.Tx(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() { _ = tx.Rollback() }()

	var next bool
	if req.Enabled != nil {
		next = *req.Enabled
	} else {
		current, err := tx.WildcardEnabled(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		next = !current
	}
	if err := tx.SetWildcardEnabled(ctx, next); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("wildcard policy changed", "enabled", next)
	writeJSON(w, http.StatusOK, wildcardState{Enabled: &next})
}

// --- security ---

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleSecurityQuery(w http.ResponseWriter, r *http.Request) {
	if !s.mitigator.Available() {
		writeError(w, http.StatusServiceUnavailable, "Security system unavailable")
		return
	}
	ctx := r.Context()

	action := r.URL.Query().Get("action")
	if action == "" {
		action = "stats"
	}

	switch action {
	case "stats":
		report, err := s.mitigator.Report(ctx)
		if err != nil {
			slog.Error("security report", "err", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, report)
	case "cleanup":
		if _, err := s.sweep(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Expired bans cleaned up"})
	default:
		writeError(w, http.StatusBadRequest, "Unknown action")
	}
}

type securityActionRequest struct {
	Action    string `json:"action"`
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	Severity  string `json:"severity"`
	Permanent bool   `json:"permanent"`
}

func (s *Server) handleSecurityAction(w http.ResponseWriter, r *http.Request) {
	if !s.mitigator.Available() {
		writeError(w, http.StatusServiceUnavailable, "Security system unavailable")
		return
	}
	ctx := r.Context()

	var req securityActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Action != "ban" && req.Action != "unban" {
		writeError(w, http.StatusBadRequest, "Unknown action")
		return
	}
	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		writeError(w, http.StatusBadRequest, "IP address required")
		return
	}

	if req.Action == "unban" {
		if _, err := s.mitigator.UnbanIP(ctx, ip); err != nil {
			securityActionError(w, err)
			return
		}
		s.metrics.ManualUnbans.Add(1)
		writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: fmt.Sprintf("IP %s has been unbanned", ip)})
		return
	}

	severity, err := model.ParseSeverity(req.Severity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Manual ban"
	}
	banned, err := s.mitigator.BanIP(ctx, ip, reason, severity, req.Permanent)
	if err != nil {
		securityActionError(w, err)
		return
	}
	if !banned {
		writeError(w, http.StatusBadRequest, "Failed to ban IP (may be whitelisted)")
		return
	}
	s.metrics.ManualBans.Add(1)
	writeJSON(w, http.StatusOK, messageResponse{Success: true, Message: fmt.Sprintf("IP %s has been banned", ip)})
}

func securityActionError(w http.ResponseWriter, err error) {
	if errors.Is(err, security.ErrInvalidIP) {
		writeError(w, http.StatusBadRequest, "Invalid IP address")
		return
	}
	slog.Error("security action", "err", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
