package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/shl"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "shl.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestManifestRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)
	want := &shl.Manifest{
		UUID:      "m1",
		VHL:       true,
		Bearer:    "secret",
		ExpiresAt: time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC),
		CreatedAt: time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.Create(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Manifest(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
	if _, err := s.Manifest(ctx, "missing"); !errors.Is(err, fhirhub.ErrNotFound) {
		t.Errorf("got: %v, want not found", err)
	}
}

func TestReplaceFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)
	m := &shl.Manifest{UUID: "m1", Bearer: "b", ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	if err := s.Create(ctx, m); err != nil {
		t.Fatal(err)
	}

	first := []shl.File{
		{ID: "f1", ManifestUUID: "m1", ContentBase64: "aGk=", ContentType: "text/plain"},
		{ID: "f2", ManifestUUID: "m1", ContentBase64: "eyJ9", ContentType: "application/fhir+json"},
	}
	if err := s.ReplaceFiles(ctx, "m1", first); err != nil {
		t.Fatal(err)
	}
	got, err := s.Files(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	opts := cmpopts.IgnoreFields(shl.File{}, "CreatedAt")
	if !cmp.Equal(got, first, opts) {
		t.Error(cmp.Diff(got, first, opts))
	}

	// A second upload replaces, not appends.
	second := []shl.File{{ID: "f3", ManifestUUID: "m1", ContentBase64: "bmV3", ContentType: "text/plain"}}
	if err := s.ReplaceFiles(ctx, "m1", second); err != nil {
		t.Fatal(err)
	}
	got, err = s.Files(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, second, opts) {
		t.Error(cmp.Diff(got, second, opts))
	}

	f, err := s.File(ctx, "f3")
	if err != nil {
		t.Fatal(err)
	}
	if f.ManifestUUID != "m1" {
		t.Errorf("manifest uuid: got: %q", f.ManifestUUID)
	}
	if _, err := s.File(ctx, "f1"); !errors.Is(err, fhirhub.ErrNotFound) {
		t.Errorf("replaced file still present: %v", err)
	}
}

func TestDeleteExpiredCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)
	now := time.Date(2026, time.August, 26, 12, 0, 0, 0, time.UTC)

	dead := &shl.Manifest{UUID: "dead", Bearer: "b", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-48 * time.Hour)}
	live := &shl.Manifest{UUID: "live", Bearer: "b", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	for _, m := range []*shl.Manifest{dead, live} {
		if err := s.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
		if err := s.ReplaceFiles(ctx, m.UUID, []shl.File{
			{ID: m.UUID + "-f", ManifestUUID: m.UUID, ContentBase64: "aGk=", ContentType: "text/plain"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted: got: %d, want: 1", n)
	}
	if _, err := s.Manifest(ctx, "dead"); !errors.Is(err, fhirhub.ErrNotFound) {
		t.Errorf("dead manifest survived: %v", err)
	}
	if _, err := s.File(ctx, "dead-f"); !errors.Is(err, fhirhub.ErrNotFound) {
		t.Errorf("cascade missed file: %v", err)
	}
	if _, err := s.Manifest(ctx, "live"); err != nil {
		t.Errorf("live manifest gone: %v", err)
	}
	if _, err := s.File(ctx, "live-f"); err != nil {
		t.Errorf("live file gone: %v", err)
	}
}

func TestRecordView(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := testStore(t)
	m := &shl.Manifest{UUID: "m1", Bearer: "b", ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	if err := s.Create(ctx, m); err != nil {
		t.Fatal(err)
	}
	views := []*shl.View{
		{ManifestUUID: "m1", Recipient: "dr example", IPAddress: "192.0.2.1"},
		{FileID: "f1", IPAddress: "192.0.2.1"},
	}
	for _, v := range views {
		if err := s.RecordView(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM SHLViews`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("audit rows: got: %d, want: 2", n)
	}
}
