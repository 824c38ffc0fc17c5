package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghostinbox/ghostinbox/pkg/datastore"
	"github.com/ghostinbox/ghostinbox/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

func mustStore(t *testing.T) *datastore.ProviderFactory {
	t.Helper()
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	return st
}

func TestReopenRunsMigrationsOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory: unexpected error: %v", err)
	}
	if err := first.NonTx().SetWildcardEnabled(ctx, false); err != nil {
		t.Fatalf("SetWildcardEnabled: unexpected error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	second, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory (reopen): unexpected error: %v", err)
	}
	defer func() { _ = second.Close() }()

	enabled, err := second.NonTx().WildcardEnabled(ctx)
	if err != nil {
		t.Fatalf("WildcardEnabled: unexpected error: %v", err)
	}
	if enabled {
		t.Errorf("WildcardEnabled: stored false was overwritten by a migration")
	}
}

func TestCreateAliasIfAbsent(t *testing.T) {
	t.Parallel()

	type tcase struct {
		existing    string
		name        string
		lastSender  string
		wantCreated bool
		want        *model.Alias
		expectErr   bool
	}

	tcases := map[string]tcase{
		"new_alias": {
			name:        "news",
			lastSender:  "alice@example.org",
			wantCreated: true,
			want:        &model.Alias{Name: "news", Enabled: true, LastSender: "alice@example.org"},
		},
		"normalized_name": {
			name:        "Shop@Example.com",
			wantCreated: true,
			want:        &model.Alias{Name: "shop", Enabled: true},
		},
		"already_exists": {
			existing:    "news",
			name:        "NEWS",
			lastSender:  "mallory@example.org",
			wantCreated: false,
			want:        &model.Alias{Name: "news", Enabled: true},
		},
		"invalid_name": {
			name:      "has space",
			expectErr: true,
		},
		"empty_name": {
			name:      "@example.com",
			expectErr: true,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			ctx := context.Background()
			st := mustStore(t)

			if tc.existing != "" {
				if _, err := st.NonTx().CreateAliasIfAbsent(ctx, tc.existing, "", ""); err != nil {
					t.Fatalf("CreateAliasIfAbsent (setup): unexpected error: %v", err)
				}
			}

			created, err := st.NonTx().CreateAliasIfAbsent(ctx, tc.name, tc.lastSender, "")
			if tc.expectErr {
				if err == nil {
					t.Fatalf("CreateAliasIfAbsent: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateAliasIfAbsent: unexpected error: %v", err)
			}
			if created != tc.wantCreated {
				t.Errorf("CreateAliasIfAbsent: created = %v, want %v", created, tc.wantCreated)
			}

			got, err := st.NonTx().GetAlias(ctx, tc.name)
			if err != nil {
				t.Fatalf("GetAlias: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmpopts.IgnoreFields(model.Alias{}, "CreatedAt")); diff != "" {
				t.Errorf("GetAlias mismatch (-want +got):\n%s", diff)
			}
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestGetAliasMissing(t *testing.T) {
	st := mustStore(t)

	got, err := st.NonTx().GetAlias(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetAlias: unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("GetAlias: expected nil for missing alias, got %+v", got)
	}
}

func TestAliasUpdates(t *testing.T) {
	t.Parallel()

	type tcase struct {
		name    string
		update  func(ds datastore.DataStore, name string) error
		want    *model.Alias
		wantErr error
	}

	ctx := context.Background()

	tcases := map[string]tcase{
		"block": {
			name:   "news",
			update: func(ds datastore.DataStore, n string) error { return ds.SetAliasEnabled(ctx, n, false) },
			want:   &model.Alias{Name: "news", Enabled: false},
		},
		"notes": {
			name:   "news",
			update: func(ds datastore.DataStore, n string) error { return ds.UpdateAliasNotes(ctx, n, "newsletter signups") },
			want:   &model.Alias{Name: "news", Enabled: true, Notes: "newsletter signups"},
		},
		"last_sender": {
			name:   "News",
			update: func(ds datastore.DataStore, n string) error { return ds.UpdateLastSender(ctx, n, "bob@example.org") },
			want:   &model.Alias{Name: "news", Enabled: true, LastSender: "bob@example.org"},
		},
		"delete": {
			name:   "news",
			update: func(ds datastore.DataStore, n string) error { return ds.DeleteAlias(ctx, n) },
			want:   nil,
		},
		"block_missing": {
			name:    "ghost",
			update:  func(ds datastore.DataStore, n string) error { return ds.SetAliasEnabled(ctx, n, false) },
			wantErr: datastore.ErrNotFound,
		},
		"last_sender_missing": {
			name:    "ghost",
			update:  func(ds datastore.DataStore, n string) error { return ds.UpdateLastSender(ctx, n, "x@y.org") },
			wantErr: datastore.ErrNotFound,
		},
		"delete_missing": {
			name:    "ghost",
			update:  func(ds datastore.DataStore, n string) error { return ds.DeleteAlias(ctx, n) },
			wantErr: datastore.ErrNotFound,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			st := mustStore(t)
			ds := st.NonTx()

			if _, err := ds.CreateAliasIfAbsent(ctx, "news", "", ""); err != nil {
				t.Fatalf("CreateAliasIfAbsent: unexpected error: %v", err)
			}

			err := tc.update(ds, tc.name)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("update: error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("update: unexpected error: %v", err)
			}

			got, err := ds.GetAlias(ctx, tc.name)
			if err != nil {
				t.Fatalf("GetAlias: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmpopts.IgnoreFields(model.Alias{}, "CreatedAt", "LastUsedAt")); diff != "" {
				t.Errorf("GetAlias mismatch (-want +got):\n%s", diff)
			}
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestUpdateLastSenderMarksUsed(t *testing.T) {
	ctx := context.Background()
	ds := mustStore(t).NonTx()

	if _, err := ds.CreateAliasIfAbsent(ctx, "news", "", ""); err != nil {
		t.Fatalf("CreateAliasIfAbsent: unexpected error: %v", err)
	}
	before, _ := ds.GetAlias(ctx, "news")
	if !before.LastUsedAt.IsZero() {
		t.Fatalf("new alias: LastUsedAt = %v, want zero", before.LastUsedAt)
	}
	if err := ds.UpdateLastSender(ctx, "news", "bob@example.org"); err != nil {
		t.Fatalf("UpdateLastSender: unexpected error: %v", err)
	}
	after, _ := ds.GetAlias(ctx, "news")
	if after.LastUsedAt.IsZero() {
		t.Errorf("UpdateLastSender: LastUsedAt not set")
	}
}

func TestListAliases(t *testing.T) {
	ctx := context.Background()
	ds := mustStore(t).NonTx()

	got, err := ds.ListAliases(ctx)
	if err != nil {
		t.Fatalf("ListAliases: unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ListAliases on empty db: got %d aliases", len(got))
	}

	for _, n := range []string{"b", "a", "c"} {
		if _, err := ds.CreateAliasIfAbsent(ctx, n, "", ""); err != nil {
			t.Fatalf("CreateAliasIfAbsent(%s): unexpected error: %v", n, err)
		}
	}

	got, err = ds.ListAliases(ctx)
	if err != nil {
		t.Fatalf("ListAliases: unexpected error: %v", err)
	}
	var names []string
	for _, a := range got {
		names = append(names, a.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names, cmpopts.SortSlices(func(x, y string) bool { return x < y })); diff != "" {
		t.Errorf("ListAliases names mismatch (-want +got):\n%s", diff)
	}
}

func TestWildcardSetting(t *testing.T) {
	ctx := context.Background()
	ds := mustStore(t).NonTx()

	got, err := ds.WildcardEnabled(ctx)
	if err != nil {
		t.Fatalf("WildcardEnabled: unexpected error: %v", err)
	}
	if !got {
		t.Errorf("WildcardEnabled default = false, want true")
	}

	for _, want := range []bool{false, true, false} {
		if err := ds.SetWildcardEnabled(ctx, want); err != nil {
			t.Fatalf("SetWildcardEnabled(%v): unexpected error: %v", want, err)
		}
		got, err := ds.WildcardEnabled(ctx)
		if err != nil {
			t.Fatalf("WildcardEnabled: unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("WildcardEnabled = %v, want %v", got, want)
		}
	}
}

func TestSaveTrackingKeepsFirstSeen(t *testing.T) {
	ctx := context.Background()
	ds := mustStore(t).NonTx()

	t0 := time.Unix(1_700_000_000, 0).UTC()
	rec := model.NewIPTrackingRecord("203.0.113.9", t0)
	rec.Increment(model.TrafficEmail)
	if err := ds.SaveTracking(ctx, rec); err != nil {
		t.Fatalf("SaveTracking: unexpected error: %v", err)
	}

	later := *rec
	later.FirstSeen = t0.Add(time.Hour)
	later.LastSeen = t0.Add(time.Hour)
	later.ViolationCount = 2
	if err := ds.SaveTracking(ctx, &later); err != nil {
		t.Fatalf("SaveTracking (update): unexpected error: %v", err)
	}

	got, err := ds.GetTracking(ctx, "203.0.113.9")
	if err != nil {
		t.Fatalf("GetTracking: unexpected error: %v", err)
	}
	want := later
	want.FirstSeen = t0
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("GetTracking mismatch (-want +got):\n%s", diff)
	}

	missing, err := ds.GetTracking(ctx, "198.51.100.1")
	if err != nil || missing != nil {
		t.Errorf("GetTracking(unknown) = %+v, %v; want nil, nil", missing, err)
	}
}

func TestRankings(t *testing.T) {
	ctx := context.Background()
	ds := mustStore(t).NonTx()
	now := time.Unix(1_700_000_000, 0).UTC()

	records := []model.IPTrackingRecord{
		{IP: "192.0.2.1", EmailCountDay: 5, ViolationCount: 1, LastSeen: now},
		{IP: "192.0.2.2", EmailCountDay: 50, ViolationCount: 4, BanCount: 2, LastSeen: now},
		{IP: "192.0.2.3", EmailCountDay: 500, LastSeen: now.Add(-48 * time.Hour)},
	}
	for i := range records {
		records[i].FirstSeen = records[i].LastSeen
		if err := ds.SaveTracking(ctx, &records[i]); err != nil {
			t.Fatalf("SaveTracking: unexpected error: %v", err)
		}
	}

	violators, err := ds.ListTopViolators(ctx, 10)
	if err != nil {
		t.Fatalf("ListTopViolators: unexpected error: %v", err)
	}
	wantViolators := []model.Violator{
		{IP: "192.0.2.2", ViolationCount: 4, BanCount: 2},
		{IP: "192.0.2.1", ViolationCount: 1},
	}
	if diff := cmp.Diff(wantViolators, violators); diff != "" {
		t.Errorf("ListTopViolators mismatch (-want +got):\n%s", diff)
	}

	busiest, err := ds.ListBusiestIPs(ctx, now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListBusiestIPs: unexpected error: %v", err)
	}
	var ips []string
	for _, r := range busiest {
		ips = append(ips, r.IP)
	}
	if diff := cmp.Diff([]string{"192.0.2.2", "192.0.2.1"}, ips); diff != "" {
		t.Errorf("ListBusiestIPs mismatch (-want +got):\n%s", diff)
	}
}

func TestBans(t *testing.T) {
	ctx := context.Background()
	ds := mustStore(t).NonTx()
	now := time.Unix(1_700_000_000, 0).UTC()

	bans := []model.BanRecord{
		{IP: "192.0.2.1", BannedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour), Duration: time.Hour, Reason: "expired"},
		{IP: "192.0.2.2", BannedAt: now, ExpiresAt: now.Add(30 * time.Minute), Duration: 30 * time.Minute, Reason: "active"},
		{IP: "192.0.2.3", BannedAt: now.Add(-72 * time.Hour), Permanent: true, Duration: 24 * time.Hour, Reason: "permanent"},
	}
	for i := range bans {
		if err := ds.SaveBan(ctx, &bans[i]); err != nil {
			t.Fatalf("SaveBan(%s): unexpected error: %v", bans[i].IP, err)
		}
	}

	got, err := ds.GetBan(ctx, "192.0.2.3")
	if err != nil {
		t.Fatalf("GetBan: unexpected error: %v", err)
	}
	if diff := cmp.Diff(&bans[2], got); diff != "" {
		t.Errorf("GetBan mismatch (-want +got):\n%s", diff)
	}

	total, active, err := ds.CountBans(ctx, now)
	if err != nil {
		t.Fatalf("CountBans: unexpected error: %v", err)
	}
	if total != 3 || active != 2 {
		t.Errorf("CountBans = (%d, %d), want (3, 2)", total, active)
	}

	expired, err := ds.ListExpiredBans(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredBans: unexpected error: %v", err)
	}
	if diff := cmp.Diff(bans[:1], expired); diff != "" {
		t.Errorf("ListExpiredBans mismatch (-want +got):\n%s", diff)
	}

	for _, ip := range []string{"192.0.2.2", "192.0.2.3"} {
		deleted, err := ds.DeleteExpiredBan(ctx, ip, now)
		if err != nil {
			t.Fatalf("DeleteExpiredBan(%s): unexpected error: %v", ip, err)
		}
		if deleted {
			t.Errorf("DeleteExpiredBan(%s): removed a ban that is still in force", ip)
		}
	}
	deleted, err := ds.DeleteExpiredBan(ctx, "192.0.2.1", now)
	if err != nil || !deleted {
		t.Errorf("DeleteExpiredBan(expired) = %v, %v; want true, nil", deleted, err)
	}

	deleted, err = ds.DeleteBan(ctx, "192.0.2.3")
	if err != nil || !deleted {
		t.Errorf("DeleteBan(permanent) = %v, %v; want true, nil", deleted, err)
	}
	deleted, err = ds.DeleteBan(ctx, "192.0.2.3")
	if err != nil || deleted {
		t.Errorf("DeleteBan(again) = %v, %v; want false, nil", deleted, err)
	}

	remaining, err := ds.ListBans(ctx)
	if err != nil {
		t.Fatalf("ListBans: unexpected error: %v", err)
	}
	if diff := cmp.Diff(bans[1:2], remaining); diff != "" {
		t.Errorf("ListBans mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	ds := mustStore(t).NonTx()
	now := time.Unix(1_700_000_000, 0).UTC()

	events := []model.SecurityEvent{
		{Timestamp: now.Add(-48 * time.Hour), IP: "192.0.2.1", Type: model.EventBan},
		{Timestamp: now.Add(-time.Hour), IP: "192.0.2.1", Type: model.EventRateLimit},
		{Timestamp: now.Add(-time.Minute), IP: "192.0.2.1", Type: model.EventBan},
		{Timestamp: now.Add(-time.Minute), IP: "192.0.2.1", Type: model.EventEmailBlocked},
		{Timestamp: now, IP: "192.0.2.2", Type: model.EventBan},
	}
	for i := range events {
		if err := ds.CreateEvent(ctx, &events[i]); err != nil {
			t.Fatalf("CreateEvent: unexpected error: %v", err)
		}
		if events[i].ID == 0 {
			t.Errorf("CreateEvent: ID not assigned")
		}
	}

	if err := ds.CreateEvent(ctx, &model.SecurityEvent{IP: "192.0.2.1"}); err == nil {
		t.Errorf("CreateEvent without type: expected error, got nil")
	}

	type tcase struct {
		ip    string
		types []model.EventType
		want  int
	}
	tcases := map[string]tcase{
		"violations_for_ip": {ip: "192.0.2.1", types: []model.EventType{model.EventBan, model.EventRateLimit}, want: 2},
		"all_types_for_ip":  {ip: "192.0.2.1", want: 3},
		"all_ips_bans":      {types: []model.EventType{model.EventBan}, want: 2},
		"everything":        {want: 4},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			got, err := ds.CountEvents(ctx, tc.ip, now.Add(-24*time.Hour), tc.types...)
			if err != nil {
				t.Fatalf("CountEvents: unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("CountEvents = %d, want %d", got, tc.want)
			}
		})
	}

	recent, err := ds.ListEvents(ctx, 2)
	if err != nil {
		t.Fatalf("ListEvents: unexpected error: %v", err)
	}
	want := []model.SecurityEvent{events[4], events[3]}
	if diff := cmp.Diff(want, recent); diff != "" {
		t.Errorf("ListEvents mismatch (-want +got):\n%s", diff)
	}
}

func TestTxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	st := mustStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	tx, err := st.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: unexpected error: %v", err)
	}
	if err := tx.SaveTracking(ctx, model.NewIPTrackingRecord("192.0.2.1", now)); err != nil {
		t.Fatalf("SaveTracking: unexpected error: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: unexpected error: %v", err)
	}
	if got, _ := st.NonTx().GetTracking(ctx, "192.0.2.1"); got != nil {
		t.Errorf("rolled back record is visible: %+v", got)
	}

	tx, err = st.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: unexpected error: %v", err)
	}
	if err := tx.SaveTracking(ctx, model.NewIPTrackingRecord("192.0.2.1", now)); err != nil {
		t.Fatalf("SaveTracking: unexpected error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: unexpected error: %v", err)
	}
	if got, _ := st.NonTx().GetTracking(ctx, "192.0.2.1"); got == nil {
		t.Errorf("committed record is missing")
	}
}
