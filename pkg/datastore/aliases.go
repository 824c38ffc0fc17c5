package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/ghostinbox/ghostinbox/pkg/model"
)

const wildcardSettingKey = "wildcard_enabled"

const aliasColumns = "alias, enabled, notes, last_sender, created_at, last_used_at"

// ---- Aliases ----

func scanAlias(row rowScanner) (*model.Alias, error) {
	a := &model.Alias{}
	var enabled int
	var lastSender, lastUsedAt sql.NullString
	var createdAt string
	if err := row.Scan(&a.Name, &enabled, &a.Notes, &lastSender, &createdAt, &lastUsedAt); err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	a.LastSender = lastSender.String
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parsed
	if lastUsedAt.Valid {
		if a.LastUsedAt, err = parseDBTime(lastUsedAt.String); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// GetAlias retrieves an alias by name. A missing alias returns (nil, nil).
func (s *baseProvider) GetAlias(ctx context.Context, name string) (*model.Alias, error) {
	a, err := scanAlias(s.QueryRowContext(ctx, "SELECT "+aliasColumns+" FROM aliases WHERE alias = ?", model.NormalizeAliasName(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get alias: %w", err)
	}
	return a, nil
}

// ListAliases returns all aliases, newest first.
func (s *baseProvider) ListAliases(ctx context.Context) ([]model.Alias, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+aliasColumns+" FROM aliases ORDER BY created_at DESC, alias")
	if err != nil {
		return nil, fmt.Errorf("datastore: list aliases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var aliases []model.Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan alias: %w", err)
		}
		aliases = append(aliases, *a)
	}
	return aliases, rows.Err()
}

// CreateAliasIfAbsent inserts an enabled alias unless one already exists.
// It reports whether a row was created. An empty lastSender is stored as NULL.
func (s *baseProvider) CreateAliasIfAbsent(ctx context.Context, name, lastSender, notes string) (bool, error) {
	name = model.NormalizeAliasName(name)
	if err := model.ValidateAliasName(name); err != nil {
		return false, fmt.Errorf("datastore: create alias: %w", err)
	}
	var sender *string
	if lastSender != "" {
		sender = &lastSender
	}
	res, err := s.ExecContext(ctx,
		"INSERT INTO aliases (alias, notes, last_sender) VALUES (?, ?, ?) ON CONFLICT(alias) DO NOTHING",
		name, notes, sender)
	if err != nil {
		return false, fmt.Errorf("datastore: create alias: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: create alias: %w", err)
	}
	return n > 0, nil
}

// SetAliasEnabled blocks or unblocks an alias.
func (s *baseProvider) SetAliasEnabled(ctx context.Context, name string, enabled bool) error {
	return s.updateAlias(ctx, "set alias enabled",
		"UPDATE aliases SET enabled = ? WHERE alias = ?", boolToInt(enabled), model.NormalizeAliasName(name))
}

// UpdateAliasNotes replaces the operator notes of an alias.
func (s *baseProvider) UpdateAliasNotes(ctx context.Context, name, notes string) error {
	return s.updateAlias(ctx, "update alias notes",
		"UPDATE aliases SET notes = ? WHERE alias = ?", notes, model.NormalizeAliasName(name))
}

// UpdateLastSender records the most recent external correspondent and marks
// the alias as used.
func (s *baseProvider) UpdateLastSender(ctx context.Context, name, sender string) error {
	return s.updateAlias(ctx, "update last sender",
		"UPDATE aliases SET last_sender = ?, last_used_at = datetime('now') WHERE alias = ?", sender, model.NormalizeAliasName(name))
}

// DeleteAlias removes an alias.
func (s *baseProvider) DeleteAlias(ctx context.Context, name string) error {
	return s.updateAlias(ctx, "delete alias",
		"DELETE FROM aliases WHERE alias = ?", model.NormalizeAliasName(name))
}

func (s *baseProvider) updateAlias(ctx context.Context, op, query string, args ...any) error {
	res, err := s.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("datastore: %s: %w", op, ErrNotFound)
	}
	return nil
}

// ---- Settings ----

// WildcardEnabled reports whether unseen aliases are created on first
// contact. Defaults to true when never set.
func (s *baseProvider) WildcardEnabled(ctx context.Context) (bool, error) {
	var value string
	err := s.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", wildcardSettingKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("datastore: get wildcard: %w", err)
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("datastore: get wildcard: %w", err)
	}
	return enabled, nil
}

// SetWildcardEnabled stores the wildcard policy.
func (s *baseProvider) SetWildcardEnabled(ctx context.Context, enabled bool) error {
	_, err := s.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		wildcardSettingKey, strconv.FormatBool(enabled))
	if err != nil {
		return fmt.Errorf("datastore: set wildcard: %w", err)
	}
	return nil
}
