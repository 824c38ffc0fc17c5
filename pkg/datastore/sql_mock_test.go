package datastore_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/model"
)

var errBoom = errors.New("disk I/O error")

func newMockFactory(t *testing.T) (*datastore.ProviderFactory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &datastore.ProviderFactory{DB: db}, mock
}

func TestErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	type tcase struct {
		expect func(mock sqlmock.Sqlmock)
		call   func(ds datastore.DataStore) error
		prefix string
	}

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	tcases := map[string]tcase{
		"get_alias": {
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT (.+) FROM aliases WHERE alias = ?").WithArgs("news").WillReturnError(errBoom)
			},
			call: func(ds datastore.DataStore) error {
				_, err := ds.GetAlias(ctx, "News")
				return err
			},
			prefix: "datastore: get alias",
		},
		"create_alias": {
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectExec("INSERT INTO aliases").WillReturnError(errBoom)
			},
			call: func(ds datastore.DataStore) error {
				_, err := ds.CreateAliasIfAbsent(ctx, "news", "", "")
				return err
			},
			prefix: "datastore: create alias",
		},
		"wildcard": {
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT value FROM settings").WillReturnError(errBoom)
			},
			call: func(ds datastore.DataStore) error {
				_, err := ds.WildcardEnabled(ctx)
				return err
			},
			prefix: "datastore: get wildcard",
		},
		"save_tracking": {
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectExec("INSERT INTO ip_tracking").WillReturnError(errBoom)
			},
			call: func(ds datastore.DataStore) error {
				return ds.SaveTracking(ctx, model.NewIPTrackingRecord("192.0.2.1", now))
			},
			prefix: "datastore: save tracking",
		},
		"save_ban": {
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectExec("INSERT INTO banned_ips").WillReturnError(errBoom)
			},
			call: func(ds datastore.DataStore) error {
				return ds.SaveBan(ctx, &model.BanRecord{IP: "192.0.2.1", Permanent: true})
			},
			prefix: "datastore: save ban",
		},
		"delete_expired_ban": {
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectExec("DELETE FROM banned_ips").WithArgs("192.0.2.1", now.Unix()).WillReturnError(errBoom)
			},
			call: func(ds datastore.DataStore) error {
				_, err := ds.DeleteExpiredBan(ctx, "192.0.2.1", now)
				return err
			},
			prefix: "datastore: delete expired ban",
		},
		"count_events": {
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT COUNT").WillReturnError(errBoom)
			},
			call: func(ds datastore.DataStore) error {
				_, err := ds.CountEvents(ctx, "", now)
				return err
			},
			prefix: "datastore: count events",
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			st, mock := newMockFactory(t)
			tc.expect(mock)

			err := tc.call(st.NonTx())
			if !errors.Is(err, errBoom) {
				t.Fatalf("error = %v, want wrapped %v", err, errBoom)
			}
			if !strings.HasPrefix(err.Error(), tc.prefix) {
				t.Errorf("error = %q, want prefix %q", err, tc.prefix)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestUpdateMissingAliasIsNotFound(t *testing.T) {
	st, mock := newMockFactory(t)
	mock.ExpectExec("UPDATE aliases SET enabled").WithArgs(0, "news").WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.NonTx().SetAliasEnabled(context.Background(), "news", false)
	if !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("SetAliasEnabled: error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCountEventsQuery(t *testing.T) {
	st, mock := newMockFactory(t)
	since := time.Unix(1_700_000_000, 0)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM security_events WHERE timestamp >= ? AND ip = ? AND event_type IN (?, ?)")).
		WithArgs(since.Unix(), "192.0.2.1", "BAN", "RATE_LIMIT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	got, err := st.NonTx().CountEvents(context.Background(), "192.0.2.1", since, model.EventBan, model.EventRateLimit)
	if err != nil {
		t.Fatalf("CountEvents: unexpected error: %v", err)
	}
	if got != 3 {
		t.Errorf("CountEvents = %d, want 3", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTxBeginFailure(t *testing.T) {
	st, mock := newMockFactory(t)
	mock.ExpectBegin().WillReturnError(errBoom)

	if _, err := st.Tx(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("Tx: error = %v, want wrapped %v", err, errBoom)
	}
}
