// Package security implements per-IP rate limiting with escalating bans.
//
// Every decision about one IP (counter reset, increment, threshold check,
// ban) runs inside a single datastore transaction, so concurrent relay
// processes never lose an increment. Packet-filter rules are applied after
// the transaction commits and their failure is only logged.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/model"
)

// Reasons reported in a Decision.
const (
	ReasonBanned      = "banned"
	ReasonWhitelisted = "whitelisted"
	ReasonUnavailable = "security system unavailable"
)

var (
	ErrUnavailable = errors.New("security: system unavailable")
	ErrInvalidIP   = errors.New("security: invalid IP address")
)

// Report sizes.
const (
	reportEvents    = 50
	reportTopIPs    = 20
	reportViolators = 10
)

// Decision is the outcome of tracking one event.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Mitigator is the abuse-mitigation capability. Engine is the real
// implementation; Unavailable stands in when storage cannot be opened.
type Mitigator interface {
	// TrackEmail and TrackConnection never fail: a storage error allows the
	// event and reports ReasonUnavailable.
	TrackEmail(ctx context.Context, ip string) Decision
	TrackConnection(ctx context.Context, ip string) Decision

	IsBanned(ctx context.Context, ip string) (bool, error)
	BanIP(ctx context.Context, ip, reason string, severity model.Severity, permanent bool) (bool, error)
	UnbanIP(ctx context.Context, ip string) (bool, error)
	CleanupExpiredBans(ctx context.Context) (int, error)
	RecordEvent(ctx context.Context, ev model.SecurityEvent) error
	Report(ctx context.Context) (*model.SecurityReport, error)

	Available() bool
	Close() error
}

var (
	_ Mitigator = (*Engine)(nil)
	_ Mitigator = Unavailable{}
)

// Dependencies holds the collaborators of an Engine. Store is required; the
// rest default to a disabled packet filter and the system clock.
type Dependencies struct {
	Store  datastore.DataProviderFactory
	Filter PacketFilter
	Clock  Clock
}

// Engine is the storage-backed Mitigator.
type Engine struct {
	policy    Policy
	store     datastore.DataProviderFactory
	filter    PacketFilter
	clock     Clock
	whitelist map[netip.Addr]struct{}
}

// New creates an Engine. Whitelist entries that do not parse are ignored;
// Policy.Validate reports them.
func New(policy Policy, deps Dependencies) *Engine {
	e := &Engine{
		policy:    policy,
		store:     deps.Store,
		filter:    deps.Filter,
		clock:     deps.Clock,
		whitelist: make(map[netip.Addr]struct{}, len(policy.Whitelist)),
	}
	if e.filter == nil {
		e.filter = NopFilter{}
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	for _, ip := range policy.Whitelist {
		if addr, err := netip.ParseAddr(ip); err == nil {
			e.whitelist[addr.Unmap()] = struct{}{}
		}
	}
	return e
}

// Open opens the ledger at dbPath and returns an Engine, or Unavailable if
// the database cannot be opened. Mail keeps flowing either way.
func Open(dbPath string, policy Policy, filter PacketFilter) Mitigator {
	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		slog.Warn("security system unavailable, failing open", "db", dbPath, "err", err)
		return Unavailable{Cause: err}
	}
	return New(policy, Dependencies{Store: st, Filter: filter})
}

// Available reports true.
func (e *Engine) Available() bool { return true }

// Close closes the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// IsWhitelisted reports whether ip is exempt from limits and bans.
func (e *Engine) IsWhitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	_, ok := e.whitelist[addr.Unmap()]
	return ok
}

// TrackEmail counts one inbound message from ip.
func (e *Engine) TrackEmail(ctx context.Context, ip string) Decision {
	return e.track(ctx, ip, model.TrafficEmail)
}

// TrackConnection counts one connection attempt from ip.
func (e *Engine) TrackConnection(ctx context.Context, ip string) Decision {
	return e.track(ctx, ip, model.TrafficConnection)
}

func (e *Engine) track(ctx context.Context, ip string, kind model.TrafficKind) Decision {
	if _, err := netip.ParseAddr(ip); err != nil {
		slog.Debug("not tracking unparseable address", "ip", ip, "kind", kind)
		return Decision{Allowed: true}
	}
	if e.IsWhitelisted(ip) {
		return Decision{Allowed: true, Reason: ReasonWhitelisted}
	}

	d, banned, err := e.trackTx(ctx, ip, kind)
	if err != nil {
		slog.Warn("security check failed, allowing", "ip", ip, "kind", kind, "err", err)
		return Decision{Allowed: true, Reason: ReasonUnavailable}
	}
	if banned {
		e.enforce(ctx, ip, ActionDrop)
	}
	return d
}

// trackTx runs the read-reset-increment-compare cycle for ip in one
// transaction. banned is true when this call issued a new ban.
func (e *Engine) trackTx(ctx context.Context, ip string, kind model.TrafficKind) (d Decision, banned bool, err error) {
	tx, err := e.store.Tx(ctx)
	if err != nil {
		return Decision{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := e.clock.Now()

	ban, err := tx.GetBan(ctx, ip)
	if err != nil {
		return Decision{}, false, err
	}
	if ban != nil && ban.Active(now) {
		return Decision{Allowed: false, Reason: ReasonBanned}, false, nil
	}

	rec, err := tx.GetTracking(ctx, ip)
	if err != nil {
		return Decision{}, false, err
	}
	if rec == nil {
		rec = model.NewIPTrackingRecord(ip, now)
	} else {
		rec.Roll(now)
	}
	prevSeen := rec.LastSeen
	rec.LastSeen = now

	// Counters are only persisted when the event is allowed, but the
	// bucket resets above always are.
	base := *rec
	rec.Increment(kind)

	window, exceeded := e.exceeded(rec, kind)
	if !exceeded {
		if err := tx.SaveTracking(ctx, rec); err != nil {
			return Decision{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return Decision{}, false, fmt.Errorf("security: commit: %w", err)
		}
		return Decision{Allowed: true}, false, nil
	}

	reason := fmt.Sprintf("Too many %ss per %s", kind, window)
	permanent, why, err := e.shouldPermanentlyBan(ctx, tx, rec, prevSeen, now)
	if err != nil {
		return Decision{}, false, err
	}
	severity := tierFor(window)
	if permanent {
		severity = model.SeverityHeavy
	}

	issued, fresh, err := e.banTx(ctx, tx, &base, reason, severity, permanent, now)
	if err != nil {
		return Decision{}, false, err
	}

	action := fmt.Sprintf("Banned (%s)", severity)
	if issued.Permanent {
		action = "Permanently banned"
		if why != "" {
			action += " (" + why + ")"
		}
	}
	if err := tx.CreateEvent(ctx, &model.SecurityEvent{
		Timestamp: now,
		IP:        ip,
		Type:      model.EventRateLimit,
		Details:   reason,
		Action:    action,
	}); err != nil {
		return Decision{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, false, fmt.Errorf("security: commit: %w", err)
	}
	slog.Warn("rate limit exceeded", "ip", ip, "reason", reason, "severity", severity, "permanent", issued.Permanent)
	return Decision{Allowed: false, Reason: reason}, fresh, nil
}

// exceeded returns the first window, in ascending severity, whose counter
// is over its limit.
func (e *Engine) exceeded(rec *model.IPTrackingRecord, kind model.TrafficKind) (model.Window, bool) {
	for _, w := range kind.Windows() {
		if rec.Count(kind, w) > e.policy.Limits.Max(kind, w) {
			return w, true
		}
	}
	return 0, false
}

// shouldPermanentlyBan evaluates the escalation rules in priority order and
// returns the first that matches. rec carries the speculative increment.
func (e *Engine) shouldPermanentlyBan(ctx context.Context, ds datastore.DataStore, rec *model.IPTrackingRecord, prevSeen, now time.Time) (bool, string, error) {
	rules := e.policy.Permanent

	recent := now.Sub(prevSeen) <= rules.CriticalRecency
	if recent && (rec.EmailCountMinute > rules.CriticalEmailsPerMinute ||
		rec.ConnectionCountMinute > rules.CriticalConnectionsPerMinute) {
		return true, "critical burst", nil
	}
	if rec.BanCount >= rules.RepeatOffenderBans {
		return true, "repeat offender", nil
	}
	if rec.ViolationCount >= rules.PersistentViolations {
		return true, "persistent violator", nil
	}
	n, err := ds.CountEvents(ctx, rec.IP, now.Add(-rules.RapidWindow), model.EventBan, model.EventRateLimit)
	if err != nil {
		return false, "", err
	}
	if n >= rules.RapidViolations {
		return true, "rapid violations", nil
	}
	return false, "", nil
}

// BanIP bans ip. An active ban is promoted when permanent is requested,
// otherwise extended with ExtendDuration. It reports false for whitelisted
// addresses.
func (e *Engine) BanIP(ctx context.Context, ip, reason string, severity model.Severity, permanent bool) (bool, error) {
	if _, err := netip.ParseAddr(ip); err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if !severity.Valid() {
		return false, fmt.Errorf("security: ban %s: invalid severity %d", ip, severity)
	}
	if e.IsWhitelisted(ip) {
		slog.Info("attempted to ban whitelisted IP", "ip", ip, "reason", reason)
		return false, nil
	}

	tx, err := e.store.Tx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := e.clock.Now()
	rec, err := tx.GetTracking(ctx, ip)
	if err != nil {
		return false, err
	}
	if rec == nil {
		rec = model.NewIPTrackingRecord(ip, now)
	} else {
		rec.Roll(now)
	}

	_, fresh, err := e.banTx(ctx, tx, rec, reason, severity, permanent, now)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("security: commit: %w", err)
	}
	if fresh {
		e.enforce(ctx, ip, ActionDrop)
	}
	return true, nil
}

// banTx writes the ban, the updated counters of rec and a BAN event. fresh
// reports that no ban was in force before, so the caller owes the packet
// filter a DROP rule.
func (e *Engine) banTx(ctx context.Context, ds datastore.DataStore, rec *model.IPTrackingRecord, reason string, severity model.Severity, permanent bool, now time.Time) (*model.BanRecord, bool, error) {
	ip := rec.IP
	tier := e.policy.TierDuration(severity)

	existing, err := ds.GetBan(ctx, ip)
	if err != nil {
		return nil, false, err
	}

	var next model.BanRecord
	fresh := false
	countsAsBan := true
	switch {
	case existing != nil && existing.Active(now) && existing.Permanent:
		next = *existing
		next.Reason = reason
		countsAsBan = false
	case existing != nil && existing.Active(now) && permanent:
		next = *existing
		next.Reason = reason
		next.Permanent = true
		next.ExpiresAt = time.Time{}
	case existing != nil && existing.Active(now):
		d := ExtendDuration(existing.Duration, tier)
		next = model.BanRecord{
			IP:        ip,
			BannedAt:  existing.BannedAt,
			ExpiresAt: now.Add(d),
			Reason:    reason,
			Duration:  d,
		}
	default:
		fresh = true
		next = model.BanRecord{
			IP:        ip,
			BannedAt:  now,
			Reason:    reason,
			Duration:  tier,
			Permanent: permanent,
		}
		if !permanent {
			next.ExpiresAt = now.Add(tier)
		}
	}

	if err := ds.SaveBan(ctx, &next); err != nil {
		return nil, false, err
	}

	rec.ViolationCount++
	if countsAsBan {
		rec.BanCount++
	}
	if err := ds.SaveTracking(ctx, rec); err != nil {
		return nil, false, err
	}

	action := fmt.Sprintf("Banned for %d seconds", int64(next.Duration/time.Second))
	if next.Permanent {
		action = "Permanently banned"
	}
	if err := ds.CreateEvent(ctx, &model.SecurityEvent{
		Timestamp: now,
		IP:        ip,
		Type:      model.EventBan,
		Details:   reason,
		Action:    action,
	}); err != nil {
		return nil, false, err
	}

	slog.Warn("banned IP", "ip", ip, "reason", reason, "duration", next.Duration, "permanent", next.Permanent)
	return &next, fresh, nil
}

// IsBanned reports whether ip holds a permanent or unexpired ban.
func (e *Engine) IsBanned(ctx context.Context, ip string) (bool, error) {
	if e.IsWhitelisted(ip) {
		return false, nil
	}
	ban, err := e.store.NonTx().GetBan(ctx, ip)
	if err != nil {
		return false, err
	}
	return ban != nil && ban.Active(e.clock.Now()), nil
}

// UnbanIP lifts any ban on ip and retracts its filter rule. It reports
// whether a ban existed.
func (e *Engine) UnbanIP(ctx context.Context, ip string) (bool, error) {
	if _, err := netip.ParseAddr(ip); err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	tx, err := e.store.Tx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	deleted, err := tx.DeleteBan(ctx, ip)
	if err != nil {
		return false, err
	}
	if deleted {
		if err := tx.CreateEvent(ctx, &model.SecurityEvent{
			Timestamp: e.clock.Now(),
			IP:        ip,
			Type:      model.EventUnban,
			Details:   "Manual unban",
			Action:    "Ban removed",
		}); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("security: commit: %w", err)
	}

	e.enforce(ctx, ip, ActionAccept)
	slog.Info("unbanned IP", "ip", ip, "existed", deleted)
	return deleted, nil
}

// CleanupExpiredBans deletes every temporary ban whose expiry has passed and
// retracts its filter rule. Safe to run alongside live traffic: a ban that
// was extended after the scan is left alone.
func (e *Engine) CleanupExpiredBans(ctx context.Context) (int, error) {
	now := e.clock.Now()
	ds := e.store.NonTx()

	expired, err := ds.ListExpiredBans(ctx, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ban := range expired {
		ok, err := ds.DeleteExpiredBan(ctx, ban.IP, now)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		removed++
		e.enforce(ctx, ban.IP, ActionAccept)
		slog.Debug("ban expired", "ip", ban.IP)
	}
	if removed > 0 {
		slog.Info("cleaned up expired bans", "count", removed)
	}
	return removed, nil
}

// RecordEvent appends ev to the audit log, stamping it with the engine clock
// when Timestamp is zero.
func (e *Engine) RecordEvent(ctx context.Context, ev model.SecurityEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	return e.store.NonTx().CreateEvent(ctx, &ev)
}

// Report gathers the operator view of the ledger. BannedIPs lists only
// bans in force at the time of the call.
func (e *Engine) Report(ctx context.Context) (*model.SecurityReport, error) {
	now := e.clock.Now()
	ds := e.store.NonTx()

	var r model.SecurityReport
	var err error
	if r.Stats.TotalBannedIPs, r.Stats.ActiveBans, err = ds.CountBans(ctx, now); err != nil {
		return nil, err
	}
	if r.Stats.RecentEvents, err = ds.CountEvents(ctx, "", now.Add(-time.Hour)); err != nil {
		return nil, err
	}
	if r.Stats.TopViolators, err = ds.ListTopViolators(ctx, reportViolators); err != nil {
		return nil, err
	}
	if r.RecentEvents, err = ds.ListEvents(ctx, reportEvents); err != nil {
		return nil, err
	}
	bans, err := ds.ListBans(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range bans {
		if b.Active(now) {
			r.BannedIPs = append(r.BannedIPs, b)
		}
	}
	if r.TopIPs, err = ds.ListBusiestIPs(ctx, now.Add(-24*time.Hour), reportTopIPs); err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Engine) enforce(ctx context.Context, ip string, action Action) {
	if err := e.filter.Apply(ctx, ip, action); err != nil {
		slog.Error("failed to apply packet filter rule", "ip", ip, "action", action, "err", err)
	}
}
