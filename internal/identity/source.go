// Package identity maps proxy credentials onto VPN identities. The heavy
// lifting of profile discovery and parsing belongs to the external VPN
// config tooling; this package consumes it through the Source interface
// and adds the credential resolution and random-rotation policy on top.
package identity

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/avmitin/nsproxy/internal/domain"
)

// Source lists the identities the proxy may route through.
type Source interface {
	// List returns all known identities in stable order.
	List() ([]domain.Identity, error)

	// Get returns the identity for slug or domain.ErrUnknownIdentity.
	Get(slug string) (domain.Identity, error)
}

// DirSource reads WireGuard-style tunnel profiles from a directory. Each
// <slug>.conf file becomes one identity; the tunnel endpoint is taken from
// the profile's Endpoint line.
type DirSource struct {
	dir string
}

// NewDirSource returns a Source over the profiles in dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// List implements [Source]. Profiles that fail to parse are skipped; an
// unreadable directory is an error.
func (s *DirSource) List() ([]domain.Identity, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read identity dir: %w", err)
	}

	var ids []domain.Identity
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		id, err := s.parseProfile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Slug < ids[j].Slug })
	return ids, nil
}

// Get implements [Source]. The slug names a file inside the profile
// directory, so anything that is not a bare file stem is unknown by
// definition; a credential must never reach a profile outside dir.
func (s *DirSource) Get(slug string) (domain.Identity, error) {
	if !validSlug(slug) {
		return domain.Identity{}, fmt.Errorf("identity %q: %w", slug, domain.ErrUnknownIdentity)
	}
	path := filepath.Join(s.dir, slug+".conf")
	id, err := s.parseProfile(path)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("identity %q: %w", slug, domain.ErrUnknownIdentity)
	}
	return id, nil
}

// validSlug reports whether slug is a single path element: no separators,
// no parent references, nothing that could traverse out of the directory.
func validSlug(slug string) bool {
	if slug == "" || slug == "." || slug == ".." {
		return false
	}
	return !strings.ContainsAny(slug, `/\`)
}

func (s *DirSource) parseProfile(path string) (domain.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Identity{}, err
	}
	defer f.Close()

	slug := strings.TrimSuffix(filepath.Base(path), ".conf")
	id := domain.Identity{
		Slug:        slug,
		DisplayName: displayName(slug),
		ProfilePath: path,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		switch key {
		case "endpoint":
			host, portStr, err := net.SplitHostPort(value)
			if err != nil {
				return domain.Identity{}, fmt.Errorf("profile %s: bad endpoint %q", path, value)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return domain.Identity{}, fmt.Errorf("profile %s: bad endpoint port %q", path, portStr)
			}
			id.Endpoint = domain.Endpoint{Host: host, Port: port}
		case "# name", "#name":
			if value != "" {
				id.DisplayName = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.Identity{}, err
	}
	if id.Endpoint.Host == "" {
		return domain.Identity{}, fmt.Errorf("profile %s: missing endpoint", path)
	}
	return id, nil
}

// displayName turns a slug like "nl-ams-1" into "Nl Ams 1".
func displayName(slug string) string {
	parts := strings.Split(slug, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
