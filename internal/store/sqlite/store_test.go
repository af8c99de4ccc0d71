package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/avmitin/nsproxy/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(id, slug, outcome string, ended time.Time) domain.Session {
	return domain.Session{
		ID:        id,
		Slug:      slug,
		Namespace: "vpnns0",
		Target:    "example.com:443",
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   ended,
		BytesUp:   100,
		BytesDown: 2000,
		Outcome:   outcome,
	}
}

func TestInsertAndRecentSessions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		sess := testSession(fmt.Sprintf("s-%d", i), "nl-ams-1", domain.OutcomeOK, base.Add(time.Duration(i)*time.Second))
		if err := s.InsertSession(ctx, sess); err != nil {
			t.Fatalf("insert session %d: %v", i, err)
		}
	}

	got, err := s.RecentSessions(ctx, 3)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d sessions, want 3", len(got))
	}
	// Newest first.
	if got[0].ID != "s-4" || got[2].ID != "s-2" {
		t.Fatalf("unexpected order: %s .. %s", got[0].ID, got[2].ID)
	}
	if got[0].Target != "example.com:443" || got[0].BytesDown != 2000 {
		t.Fatalf("round trip mismatch: %+v", got[0])
	}
}

func TestRecentSessionsDefaultLimit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	got, err := s.RecentSessions(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("empty store returned %d sessions", len(got))
	}
}

func TestEventsRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InsertEvent(ctx, "namespace_created", "nl-ams-1", "index 0"); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertEvent(ctx, "namespace_destroyed", "nl-ams-1", ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	// Newest first; empty detail scans as empty string.
	if got[0].Kind != "namespace_destroyed" || got[0].Detail != "" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Kind != "namespace_created" || got[1].Detail != "index 0" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
}

func TestTotalsBySlugCountsOnlySuccesses(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	inserts := []domain.Session{
		testSession("a", "nl-ams-1", domain.OutcomeOK, now),
		testSession("b", "nl-ams-1", domain.OutcomeOK, now),
		testSession("c", "de-fra-2", domain.OutcomeOK, now),
		testSession("d", "nl-ams-1", domain.OutcomeProvisionFail, now),
	}
	for _, sess := range inserts {
		if err := s.InsertSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	totals, err := s.TotalsBySlug(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("got %d slugs, want 2: %+v", len(totals), totals)
	}
	if totals[0].Slug != "de-fra-2" || totals[0].Sessions != 1 {
		t.Fatalf("unexpected totals[0]: %+v", totals[0])
	}
	if totals[1].Slug != "nl-ams-1" || totals[1].Sessions != 2 || totals[1].BytesUp != 200 {
		t.Fatalf("unexpected totals[1]: %+v", totals[1])
	}
}

func TestPurgeSessionsBefore(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.InsertSession(ctx, testSession("old", "x", domain.OutcomeOK, now.Add(-48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertSession(ctx, testSession("new", "x", domain.OutcomeOK, now)); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeSessionsBefore(ctx, now.Add(-24*time.Hour), 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d, want 1", purged)
	}

	got, err := s.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Fatalf("remaining sessions: %+v", got)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
