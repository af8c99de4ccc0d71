package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avmitin/nsproxy/internal/domain"
)

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	st := s.Load()
	if len(st.Namespaces) != 0 {
		t.Fatalf("expected empty namespaces, got %d", len(st.Namespaces))
	}
	if st.NextIndex != 0 {
		t.Fatalf("expected NextIndex=0, got %d", st.NextIndex)
	}
	if st.SchemaVersion != domain.StateSchemaVersion {
		t.Fatalf("expected schema %d, got %d", domain.StateSchemaVersion, st.SchemaVersion)
	}
}

func TestLoadCorruptFileReturnsEmptyState(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"truncated json": `{"namespaces": {"a"`,
		"wrong type":     `{"namespaces": [1,2,3]}`,
		"not json":       "nonsense\n",
		"empty":          "",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			s := New(dir)
			if err := os.WriteFile(s.Path(), []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			st := s.Load()
			if len(st.Namespaces) != 0 || st.NextIndex != 0 {
				t.Fatalf("corrupt record %q did not load as empty: %+v", name, st)
			}
		})
	}
}

func TestLoadNewerSchemaTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(dir)
	body := `{"schemaVersion": 99, "namespaces": {"x": {"name": "ns0"}}, "nextIndex": 7}`
	if err := os.WriteFile(s.Path(), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	st := s.Load()
	if len(st.Namespaces) != 0 || st.NextIndex != 0 {
		t.Fatalf("newer-schema record was not ignored: %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	st := domain.NewProxyState()
	st.NextIndex = 3
	st.Random = &domain.RandomRotation{
		Slug:      "nl-ams-1",
		ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	st.Namespaces["nl-ams-1"] = domain.NamespaceContext{
		Name:      "vpnns2",
		Index:     2,
		Addr:      "10.200.2.2",
		RelayPort: 1080,
		Slug:      "nl-ams-1",
		LastUsed:  time.Now().UTC().Truncate(time.Second),
		TunnelPID: 4321,
		Status:    domain.StatusConnected,
	}

	if err := s.Save(st); err != nil {
		t.Fatal(err)
	}
	got := s.Load()
	if got.NextIndex != 3 {
		t.Fatalf("NextIndex: got %d, want 3", got.NextIndex)
	}
	ns, ok := got.Namespaces["nl-ams-1"]
	if !ok {
		t.Fatal("namespace entry missing after round trip")
	}
	if ns.Name != "vpnns2" || ns.TunnelPID != 4321 || ns.Status != domain.StatusConnected {
		t.Fatalf("namespace entry mangled: %+v", ns)
	}
	if got.Random == nil || got.Random.Slug != "nl-ams-1" {
		t.Fatalf("rotation mangled: %+v", got.Random)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := New(dir)
	for i := 0; i < 5; i++ {
		st := domain.NewProxyState()
		st.NextIndex = i
		if err := s.Save(st); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(s.Path()) {
			t.Fatalf("leftover file after save: %s", e.Name())
		}
	}
}

func TestUpdateAppliesAndPersists(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	_, err := s.Update(func(st *domain.ProxyState) error {
		st.AllocateIndex()
		st.AllocateIndex()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Load().NextIndex; got != 2 {
		t.Fatalf("NextIndex after update: got %d, want 2", got)
	}
}

func TestAllocateIndexMonotonic(t *testing.T) {
	t.Parallel()

	st := domain.NewProxyState()
	if idx := st.AllocateIndex(); idx != 0 {
		t.Fatalf("first index: got %d, want 0", idx)
	}
	if idx := st.AllocateIndex(); idx != 1 {
		t.Fatalf("second index: got %d, want 1", idx)
	}
}
