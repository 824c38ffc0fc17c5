package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ghostinbox/ghostinbox/pkg/model"
)

// ---- IP tracking ----

const trackingColumns = `ip, email_count_minute, email_count_hour, email_count_day,
	connection_count_minute, connection_count_hour,
	last_reset_minute, last_reset_hour, last_reset_day,
	first_seen, last_seen, violation_count, ban_count`

func scanTracking(row rowScanner) (*model.IPTrackingRecord, error) {
	r := &model.IPTrackingRecord{}
	var firstSeen, lastSeen int64
	err := row.Scan(&r.IP, &r.EmailCountMinute, &r.EmailCountHour, &r.EmailCountDay,
		&r.ConnectionCountMinute, &r.ConnectionCountHour,
		&r.LastResetMinute, &r.LastResetHour, &r.LastResetDay,
		&firstSeen, &lastSeen, &r.ViolationCount, &r.BanCount)
	if err != nil {
		return nil, err
	}
	r.FirstSeen = unixTime(firstSeen)
	r.LastSeen = unixTime(lastSeen)
	return r, nil
}

// GetTracking returns the counters for ip, or (nil, nil) if it was never seen.
func (s *baseProvider) GetTracking(ctx context.Context, ip string) (*model.IPTrackingRecord, error) {
	r, err := scanTracking(s.QueryRowContext(ctx, "SELECT "+trackingColumns+" FROM ip_tracking WHERE ip = ?", ip))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get tracking: %w", err)
	}
	return r, nil
}

// SaveTracking inserts or overwrites the record for rec.IP. FirstSeen is only
// written on insert.
func (s *baseProvider) SaveTracking(ctx context.Context, rec *model.IPTrackingRecord) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO ip_tracking (`+trackingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			email_count_minute      = excluded.email_count_minute,
			email_count_hour        = excluded.email_count_hour,
			email_count_day         = excluded.email_count_day,
			connection_count_minute = excluded.connection_count_minute,
			connection_count_hour   = excluded.connection_count_hour,
			last_reset_minute       = excluded.last_reset_minute,
			last_reset_hour         = excluded.last_reset_hour,
			last_reset_day          = excluded.last_reset_day,
			last_seen               = excluded.last_seen,
			violation_count         = excluded.violation_count,
			ban_count               = excluded.ban_count`,
		rec.IP, rec.EmailCountMinute, rec.EmailCountHour, rec.EmailCountDay,
		rec.ConnectionCountMinute, rec.ConnectionCountHour,
		rec.LastResetMinute, rec.LastResetHour, rec.LastResetDay,
		rec.FirstSeen.Unix(), rec.LastSeen.Unix(), rec.ViolationCount, rec.BanCount)
	if err != nil {
		return fmt.Errorf("datastore: save tracking: %w", err)
	}
	return nil
}

// ListBusiestIPs returns IPs seen since the given time, by daily email volume.
func (s *baseProvider) ListBusiestIPs(ctx context.Context, since time.Time, limit int) ([]model.IPTrackingRecord, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT "+trackingColumns+" FROM ip_tracking WHERE last_seen >= ? ORDER BY email_count_day DESC, ip LIMIT ?",
		since.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list busiest ips: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.IPTrackingRecord
	for rows.Next() {
		r, err := scanTracking(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan tracking: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListTopViolators returns IPs with at least one violation, worst first.
func (s *baseProvider) ListTopViolators(ctx context.Context, limit int) ([]model.Violator, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT ip, violation_count, ban_count FROM ip_tracking WHERE violation_count > 0 ORDER BY violation_count DESC, ip LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list top violators: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Violator
	for rows.Next() {
		var v model.Violator
		if err := rows.Scan(&v.IP, &v.ViolationCount, &v.BanCount); err != nil {
			return nil, fmt.Errorf("datastore: scan violator: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---- Bans ----

const banColumns = "ip, banned_at, ban_expires, ban_reason, ban_duration, is_permanent"

func scanBan(row rowScanner) (*model.BanRecord, error) {
	b := &model.BanRecord{}
	var bannedAt, duration int64
	var expires sql.NullInt64
	var permanent int
	if err := row.Scan(&b.IP, &bannedAt, &expires, &b.Reason, &duration, &permanent); err != nil {
		return nil, err
	}
	b.BannedAt = unixTime(bannedAt)
	if expires.Valid {
		b.ExpiresAt = unixTime(expires.Int64)
	}
	b.Duration = time.Duration(duration) * time.Second
	b.Permanent = permanent != 0
	return b, nil
}

func scanBans(rows *sql.Rows) ([]model.BanRecord, error) {
	defer func() { _ = rows.Close() }()

	var out []model.BanRecord
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan ban: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// GetBan returns the ban record for ip, expired or not, or (nil, nil).
func (s *baseProvider) GetBan(ctx context.Context, ip string) (*model.BanRecord, error) {
	b, err := scanBan(s.QueryRowContext(ctx, "SELECT "+banColumns+" FROM banned_ips WHERE ip = ?", ip))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get ban: %w", err)
	}
	return b, nil
}

// ListBans returns every stored ban, most recent first.
func (s *baseProvider) ListBans(ctx context.Context) ([]model.BanRecord, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+banColumns+" FROM banned_ips ORDER BY banned_at DESC, ip")
	if err != nil {
		return nil, fmt.Errorf("datastore: list bans: %w", err)
	}
	return scanBans(rows)
}

// ListExpiredBans returns temporary bans whose expiry is at or before now.
func (s *baseProvider) ListExpiredBans(ctx context.Context, now time.Time) ([]model.BanRecord, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT "+banColumns+" FROM banned_ips WHERE is_permanent = 0 AND ban_expires <= ? ORDER BY ip",
		now.Unix())
	if err != nil {
		return nil, fmt.Errorf("datastore: list expired bans: %w", err)
	}
	return scanBans(rows)
}

// CountBans returns the number of stored bans and how many are in force at now.
func (s *baseProvider) CountBans(ctx context.Context, now time.Time) (total, active int, err error) {
	err = s.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_permanent = 1 OR ban_expires > ? THEN 1 ELSE 0 END), 0) FROM banned_ips",
		now.Unix()).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("datastore: count bans: %w", err)
	}
	return total, active, nil
}

// SaveBan inserts or replaces the ban for ban.IP. A permanent ban is stored
// without an expiry.
func (s *baseProvider) SaveBan(ctx context.Context, ban *model.BanRecord) error {
	var expires *int64
	if !ban.Permanent {
		e := ban.ExpiresAt.Unix()
		expires = &e
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO banned_ips (`+banColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			banned_at    = excluded.banned_at,
			ban_expires  = excluded.ban_expires,
			ban_reason   = excluded.ban_reason,
			ban_duration = excluded.ban_duration,
			is_permanent = excluded.is_permanent`,
		ban.IP, ban.BannedAt.Unix(), expires, ban.Reason, int64(ban.Duration/time.Second), boolToInt(ban.Permanent))
	if err != nil {
		return fmt.Errorf("datastore: save ban: %w", err)
	}
	return nil
}

// DeleteBan removes the ban for ip and reports whether one existed.
func (s *baseProvider) DeleteBan(ctx context.Context, ip string) (bool, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM banned_ips WHERE ip = ?", ip)
	if err != nil {
		return false, fmt.Errorf("datastore: delete ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: delete ban: %w", err)
	}
	return n > 0, nil
}

// DeleteExpiredBan removes the ban for ip only if it is still temporary and
// expired at now, so a ban extended concurrently survives the sweep.
func (s *baseProvider) DeleteExpiredBan(ctx context.Context, ip string, now time.Time) (bool, error) {
	res, err := s.ExecContext(ctx,
		"DELETE FROM banned_ips WHERE ip = ? AND is_permanent = 0 AND ban_expires <= ?", ip, now.Unix())
	if err != nil {
		return false, fmt.Errorf("datastore: delete expired ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: delete expired ban: %w", err)
	}
	return n > 0, nil
}

// ---- Security events ----

// CreateEvent appends ev to the audit log. A zero Timestamp means now.
func (s *baseProvider) CreateEvent(ctx context.Context, ev *model.SecurityEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("datastore: event failed validation: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC().Truncate(time.Second)
	}
	res, err := s.ExecContext(ctx,
		"INSERT INTO security_events (timestamp, ip, event_type, details, action_taken) VALUES (?, ?, ?, ?, ?)",
		ev.Timestamp.Unix(), ev.IP, string(ev.Type), ev.Details, ev.Action)
	if err != nil {
		return fmt.Errorf("datastore: create event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// ListEvents returns the most recent events.
func (s *baseProvider) ListEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT id, timestamp, ip, event_type, details, action_taken FROM security_events ORDER BY timestamp DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SecurityEvent
	for rows.Next() {
		var ev model.SecurityEvent
		var ts int64
		var eventType string
		if err := rows.Scan(&ev.ID, &ts, &ev.IP, &eventType, &ev.Details, &ev.Action); err != nil {
			return nil, fmt.Errorf("datastore: scan event: %w", err)
		}
		ev.Timestamp = unixTime(ts)
		ev.Type = model.EventType(eventType)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvents counts events at or after since. An empty ip matches every IP
// and no types matches every type.
func (s *baseProvider) CountEvents(ctx context.Context, ip string, since time.Time, types ...model.EventType) (int, error) {
	var b strings.Builder
	b.WriteString("SELECT COUNT(*) FROM security_events WHERE timestamp >= ?")
	args := []any{since.Unix()}
	if ip != "" {
		b.WriteString(" AND ip = ?")
		args = append(args, ip)
	}
	if len(types) > 0 {
		b.WriteString(" AND event_type IN (?" + strings.Repeat(", ?", len(types)-1) + ")")
		for _, t := range types {
			args = append(args, string(t))
		}
	}

	var count int
	if err := s.QueryRowContext(ctx, b.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("datastore: count events: %w", err)
	}
	return count, nil
}
