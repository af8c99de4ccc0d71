// Package domain defines the core data types shared across the nsproxy
// front ends, namespace manager, state store, and daemon.
package domain

import "time"

// Reserved identity slugs. Neither maps to a stored tunnel profile:
// "random" resolves to a rotating concrete identity and "direct" exits
// through the host route without a tunnel.
const (
	SlugRandom = "random"
	SlugDirect = "direct"
)

// Namespace status constants describe the lifecycle of a namespace context.
const (
	StatusStarting  = "starting"
	StatusConnected = "connected"
	StatusFailed    = "failed"
)

// DirectPID is the tunnel-process sentinel for contexts that run no tunnel
// subprocess (the "direct" identity).
const DirectPID = -1

// Identity is a named VPN tunnel configuration provided by the identity
// source. It is read-only from the proxy's perspective.
type Identity struct {
	Slug        string
	DisplayName string
	Endpoint    Endpoint
	ProfilePath string
}

// Endpoint is the tunnel server address an identity connects to.
type Endpoint struct {
	Host string
	Port int
}

// NamespaceContext describes one provisioned network namespace bound to an
// identity. It is owned by the namespace manager; front ends only read it.
type NamespaceContext struct {
	Name        string    `json:"name"`
	Index       int       `json:"index"`
	Addr        string    `json:"addr"`
	RelayPort   int       `json:"relayPort"`
	Slug        string    `json:"slug"`
	DisplayName string    `json:"displayName"`
	LastUsed    time.Time `json:"lastUsed"`
	TunnelPID   int       `json:"tunnelPid"`
	Status      string    `json:"status"`
}

// Direct reports whether the context runs without a tunnel subprocess.
func (c NamespaceContext) Direct() bool {
	return c.TunnelPID == DirectPID
}

// RandomRotation records the currently selected random identity and when a
// new one must be picked.
type RandomRotation struct {
	Slug      string    `json:"slug"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the rotation must be replaced at time now.
func (r *RandomRotation) Expired(now time.Time) bool {
	return r == nil || !now.Before(r.ExpiresAt)
}

// ProxyState is the persisted aggregate shared by the front ends and the
// idle daemon. At most one NamespaceContext exists per slug.
type ProxyState struct {
	SchemaVersion int                         `json:"schemaVersion"`
	Namespaces    map[string]NamespaceContext `json:"namespaces"`
	Random        *RandomRotation             `json:"random"`
	NextIndex     int                         `json:"nextIndex"`
}

// StateSchemaVersion is the current persisted state schema. Records with a
// newer version than this are treated as absent rather than guessed at.
const StateSchemaVersion = 1

// NewProxyState returns an empty state at the current schema version.
func NewProxyState() ProxyState {
	return ProxyState{
		SchemaVersion: StateSchemaVersion,
		Namespaces:    make(map[string]NamespaceContext),
	}
}

// Session outcome constants for the session log.
const (
	OutcomeOK            = "ok"
	OutcomeRelayFailed   = "relay_failed"
	OutcomeProvisionFail = "provision_failed"
)

// Session is one relayed client connection, recorded for observability.
type Session struct {
	ID        string
	Slug      string
	Namespace string
	Target    string
	StartedAt time.Time
	EndedAt   time.Time
	BytesUp   int64
	BytesDown int64
	Outcome   string
}

// AllocateIndex returns the next namespace index and advances the counter.
// A failed provisioning attempt never returns its index, so a name or
// address can never collide with a context mid-teardown.
func (s *ProxyState) AllocateIndex() int {
	idx := s.NextIndex
	s.NextIndex++
	return idx
}
