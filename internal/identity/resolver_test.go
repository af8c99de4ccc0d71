package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avmitin/nsproxy/internal/domain"
	ilog "github.com/avmitin/nsproxy/internal/log"
	"github.com/avmitin/nsproxy/internal/state"
)

type fakeSource struct {
	ids []domain.Identity
}

func (f *fakeSource) List() ([]domain.Identity, error) { return f.ids, nil }

func (f *fakeSource) Get(slug string) (domain.Identity, error) {
	for _, id := range f.ids {
		if id.Slug == slug {
			return id, nil
		}
	}
	return domain.Identity{}, domain.ErrUnknownIdentity
}

type recordingNotifier struct {
	calls []string
}

func (n *recordingNotifier) Notify(_ context.Context, summary, _ string) error {
	n.calls = append(n.calls, summary)
	return nil
}

func ident(slug string) domain.Identity {
	return domain.Identity{
		Slug:     slug,
		Endpoint: domain.Endpoint{Host: "vpn.example.net", Port: 51820},
	}
}

func testResolver(t *testing.T, src Source) (*Resolver, *state.Store, *recordingNotifier) {
	t.Helper()
	store := state.New(t.TempDir())
	notifier := &recordingNotifier{}
	r := NewResolver(src, store, notifier, time.Hour, ilog.New("test", "error"))
	return r, store, notifier
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"nl-ams-1":     "nl-ams-1",
		"  NL-AMS-1  ": "nl-ams-1",
		"NL Ams 1":     "nl-ams-1",
		"de   ber  2":  "de-ber-2",
		"\tDirect\n":   "direct",
		"":             "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestResolveKnownSlug(t *testing.T) {
	t.Parallel()

	r, _, notifier := testResolver(t, &fakeSource{ids: []domain.Identity{ident("nl-ams-1")}})
	slug, err := r.Resolve(context.Background(), " NL Ams 1 ")
	if err != nil {
		t.Fatal(err)
	}
	if slug != "nl-ams-1" {
		t.Fatalf("got %q, want nl-ams-1", slug)
	}
	if len(notifier.calls) != 0 {
		t.Fatalf("unexpected notifications: %v", notifier.calls)
	}
}

func TestResolveDirectPassthrough(t *testing.T) {
	t.Parallel()

	r, _, _ := testResolver(t, &fakeSource{})
	slug, err := r.Resolve(context.Background(), "direct")
	if err != nil {
		t.Fatal(err)
	}
	if slug != domain.SlugDirect {
		t.Fatalf("got %q, want direct", slug)
	}
}

func TestResolveEmptyUsesRotation(t *testing.T) {
	t.Parallel()

	r, store, _ := testResolver(t, &fakeSource{ids: []domain.Identity{ident("a"), ident("b")}})
	r.randIdx = func(int) int { return 1 }

	slug, err := r.Resolve(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if slug != "b" {
		t.Fatalf("got %q, want b", slug)
	}

	st := store.Load()
	if st.Random == nil || st.Random.Slug != "b" {
		t.Fatalf("rotation not persisted: %+v", st.Random)
	}

	// A second resolve before expiry must not rotate again.
	r.randIdx = func(int) int { return 0 }
	slug, err = r.Resolve(context.Background(), "random")
	if err != nil {
		t.Fatal(err)
	}
	if slug != "b" {
		t.Fatalf("rotation changed before expiry: got %q", slug)
	}
}

func TestResolveRotatesAfterExpiry(t *testing.T) {
	t.Parallel()

	r, _, _ := testResolver(t, &fakeSource{ids: []domain.Identity{ident("a"), ident("b")}})
	r.randIdx = func(int) int { return 0 }

	now := time.Now()
	r.now = func() time.Time { return now }
	if _, err := r.Resolve(context.Background(), "random"); err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return now.Add(2 * time.Hour) }
	r.randIdx = func(int) int { return 1 }
	slug, err := r.Resolve(context.Background(), "random")
	if err != nil {
		t.Fatal(err)
	}
	if slug != "b" {
		t.Fatalf("expired rotation not replaced: got %q", slug)
	}
}

func TestResolveUnknownFallsBackToRandomNeverDirect(t *testing.T) {
	t.Parallel()

	r, _, notifier := testResolver(t, &fakeSource{ids: []domain.Identity{ident("a")}})
	slug, err := r.Resolve(context.Background(), "no-such-identity")
	if err != nil {
		t.Fatal(err)
	}
	if slug == domain.SlugDirect {
		t.Fatal("unknown credential resolved to direct")
	}
	if slug != "a" {
		t.Fatalf("got %q, want a", slug)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.calls))
	}
}

func TestResolveNoIdentities(t *testing.T) {
	t.Parallel()

	r, _, _ := testResolver(t, &fakeSource{})
	if _, err := r.Resolve(context.Background(), "random"); !errors.Is(err, domain.ErrNoIdentities) {
		t.Fatalf("expected ErrNoIdentities, got %v", err)
	}
}

func TestRotateAlwaysReplacesRecord(t *testing.T) {
	t.Parallel()

	r, store, _ := testResolver(t, &fakeSource{ids: []domain.Identity{ident("a")}})
	now := time.Now()
	r.now = func() time.Time { return now }

	if _, err := r.Rotate(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := store.Load().Random
	if first == nil {
		t.Fatal("rotation missing")
	}

	r.now = func() time.Time { return now.Add(time.Minute) }
	if _, err := r.Rotate(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := store.Load().Random
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("forced rotation did not refresh expiry: %v vs %v", first.ExpiresAt, second.ExpiresAt)
	}
}

func TestDirSourceParsesProfiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	profile := "[Interface]\nPrivateKey = x\n\n[Peer]\nEndpoint = 198.51.100.7:51820\n"
	if err := os.WriteFile(filepath.Join(dir, "nl-ams-1.conf"), []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.conf"), []byte("[Peer]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600); err != nil {
		t.Fatal(err)
	}

	src := NewDirSource(dir)
	ids, err := src.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(ids))
	}
	id := ids[0]
	if id.Slug != "nl-ams-1" || id.Endpoint.Host != "198.51.100.7" || id.Endpoint.Port != 51820 {
		t.Fatalf("parsed identity wrong: %+v", id)
	}
	if id.DisplayName != "Nl Ams 1" {
		t.Fatalf("display name: got %q", id.DisplayName)
	}

	if _, err := src.Get("nl-ams-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Get("missing"); !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestDirSourceRejectsTraversalSlugs(t *testing.T) {
	t.Parallel()

	// A readable profile one level above the identity dir must stay
	// unreachable through any credential shape.
	parent := t.TempDir()
	dir := filepath.Join(parent, "identities")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	profile := "[Peer]\nEndpoint = 198.51.100.7:51820\n"
	if err := os.WriteFile(filepath.Join(parent, "evil.conf"), []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nl-ams-1.conf"), []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}

	src := NewDirSource(dir)
	for _, slug := range []string{
		"../evil",
		"..",
		".",
		"",
		"a/b",
		`a\b`,
		"/etc/passwd",
	} {
		if _, err := src.Get(slug); !errors.Is(err, domain.ErrUnknownIdentity) {
			t.Fatalf("Get(%q): expected ErrUnknownIdentity, got %v", slug, err)
		}
	}

	// End to end: the credential falls back to the rotation, never to a
	// profile outside the directory.
	r, _, notifier := testResolver(t, src)
	slug, err := r.Resolve(context.Background(), "../evil")
	if err != nil {
		t.Fatal(err)
	}
	if slug != "nl-ams-1" {
		t.Fatalf("traversal credential resolved to %q", slug)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected one fallback notification, got %d", len(notifier.calls))
	}
}
