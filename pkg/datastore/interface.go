package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/ghostinbox/ghostinbox/pkg/model"
)

// ErrNotFound is returned by updates that address a row which does not exist.
// Lookups report a missing row as (nil, nil) instead.
var ErrNotFound = errors.New("datastore: not found")

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Ping(context.Context) error
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for aliases and the IP ledger.
// The default implementation is SQLite; every method works identically
// inside or outside a transaction.
type DataStore interface {
	AliasReadProvider
	AliasWriteProvider

	SettingsReadProvider
	SettingsWriteProvider

	TrackingReadProvider
	TrackingWriteProvider

	BanReadProvider
	BanWriteProvider

	EventReadProvider
	EventWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type AliasReadProvider interface {
	GetAlias(ctx context.Context, name string) (*model.Alias, error)
	ListAliases(ctx context.Context) ([]model.Alias, error)
}

type AliasWriteProvider interface {
	CreateAliasIfAbsent(ctx context.Context, name, lastSender, notes string) (bool, error)
	SetAliasEnabled(ctx context.Context, name string, enabled bool) error
	UpdateAliasNotes(ctx context.Context, name, notes string) error
	UpdateLastSender(ctx context.Context, name, sender string) error
	DeleteAlias(ctx context.Context, name string) error
}

type SettingsReadProvider interface {
	WildcardEnabled(ctx context.Context) (bool, error)
}

type SettingsWriteProvider interface {
	SetWildcardEnabled(ctx context.Context, enabled bool) error
}

type TrackingReadProvider interface {
	GetTracking(ctx context.Context, ip string) (*model.IPTrackingRecord, error)
	ListBusiestIPs(ctx context.Context, since time.Time, limit int) ([]model.IPTrackingRecord, error)
	ListTopViolators(ctx context.Context, limit int) ([]model.Violator, error)
}

type TrackingWriteProvider interface {
	SaveTracking(ctx context.Context, rec *model.IPTrackingRecord) error
}

type BanReadProvider interface {
	GetBan(ctx context.Context, ip string) (*model.BanRecord, error)
	ListBans(ctx context.Context) ([]model.BanRecord, error)
	ListExpiredBans(ctx context.Context, now time.Time) ([]model.BanRecord, error)
	CountBans(ctx context.Context, now time.Time) (total, active int, err error)
}

type BanWriteProvider interface {
	SaveBan(ctx context.Context, ban *model.BanRecord) error
	DeleteBan(ctx context.Context, ip string) (bool, error)
	DeleteExpiredBan(ctx context.Context, ip string, now time.Time) (bool, error)
}

type EventReadProvider interface {
	ListEvents(ctx context.Context, limit int) ([]model.SecurityEvent, error)
	CountEvents(ctx context.Context, ip string, since time.Time, types ...model.EventType) (int, error)
}

type EventWriteProvider interface {
	CreateEvent(ctx context.Context, ev *model.SecurityEvent) error
}
