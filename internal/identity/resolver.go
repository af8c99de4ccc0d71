package identity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/avmitin/nsproxy/internal/domain"
	"github.com/avmitin/nsproxy/internal/notify"
	"github.com/avmitin/nsproxy/internal/state"
)

// DefaultRotationInterval is how long a randomly selected identity stays
// current before the daemon or the next resolution replaces it.
const DefaultRotationInterval = 30 * time.Minute

// Resolver maps a raw proxy credential onto an identity slug.
//
// The fallback policy is deliberately asymmetric: an unknown credential
// falls back to the rotating random identity (the proxy stays usable and
// traffic stays tunneled), but never to "direct" or the host route.
type Resolver struct {
	source   Source
	store    *state.Store
	notifier notify.Notifier
	rotation time.Duration
	log      *slog.Logger

	// Injection points for tests.
	now     func() time.Time
	randIdx func(n int) int
}

// NewResolver wires a Resolver. rotation <= 0 selects the default.
func NewResolver(source Source, store *state.Store, notifier notify.Notifier, rotation time.Duration, logger *slog.Logger) *Resolver {
	if rotation <= 0 {
		rotation = DefaultRotationInterval
	}
	return &Resolver{
		source:   source,
		store:    store,
		notifier: notifier,
		rotation: rotation,
		log:      logger,
		now:      time.Now,
		randIdx:  rand.Intn,
	}
}

// Normalize canonicalizes a credential for slug comparison: surrounding
// whitespace is dropped, letters are lower-cased, and inner whitespace
// runs collapse to a single dash (so "NL Ams 1" matches "nl-ams-1").
func Normalize(raw string) string {
	fields := strings.Fields(strings.ToLower(raw))
	return strings.Join(fields, "-")
}

// Resolve maps a credential to a slug. Empty and "random" resolve through
// the rotation; "direct" is passed through; any other value must match a
// known identity or it falls back to random with a best-effort
// notification.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	cred := Normalize(raw)

	switch cred {
	case "", domain.SlugRandom:
		return r.resolveRandom(ctx)
	case domain.SlugDirect:
		return domain.SlugDirect, nil
	}

	if _, err := r.source.Get(cred); err == nil {
		return cred, nil
	}

	r.log.Warn("unknown identity credential, falling back to random", "credential", cred)
	if err := r.notifier.Notify(ctx, "Unknown VPN identity",
		fmt.Sprintf("No identity %q; routing through the random identity instead.", cred)); err != nil {
		r.log.Debug("fallback notification failed", "err", err)
	}
	return r.resolveRandom(ctx)
}

// resolveRandom returns the current rotation's slug, or picks and persists
// a fresh one when the rotation is absent or expired.
func (r *Resolver) resolveRandom(ctx context.Context) (string, error) {
	st := r.store.Load()
	if !st.Random.Expired(r.now()) {
		// Re-validate: the profile may have been removed since rotation.
		if _, err := r.source.Get(st.Random.Slug); err == nil {
			return st.Random.Slug, nil
		}
	}
	return r.Rotate(ctx)
}

// Rotate unconditionally picks a new random identity, persists the
// rotation record, and returns the chosen slug. The daemon calls this on
// expiry; the CLI's rotate-random command calls it directly.
func (r *Resolver) Rotate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ids, err := r.source.List()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", domain.ErrNoIdentities
	}

	chosen := ids[r.randIdx(len(ids))]
	rotation := &domain.RandomRotation{
		Slug:      chosen.Slug,
		ExpiresAt: r.now().Add(r.rotation),
	}
	if _, err := r.store.Update(func(st *domain.ProxyState) error {
		st.Random = rotation
		return nil
	}); err != nil {
		return "", fmt.Errorf("persist rotation: %w", err)
	}

	r.log.Info("random identity rotated", "slug", chosen.Slug, "expires_at", rotation.ExpiresAt)
	return chosen.Slug, nil
}

// Current returns the unexpired rotation slug, if any.
func (r *Resolver) Current() (string, bool) {
	st := r.store.Load()
	if st.Random.Expired(r.now()) {
		return "", false
	}
	return st.Random.Slug, true
}

// Identity looks up the full identity record for slug.
func (r *Resolver) Identity(slug string) (domain.Identity, error) {
	return r.source.Get(slug)
}
