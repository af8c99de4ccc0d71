package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrUnknownIdentity indicates a credential that matches no stored
	// tunnel profile and no reserved slug.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrNoIdentities means the identity source holds no tunnel profiles,
	// so random selection is impossible.
	ErrNoIdentities = errors.New("no identities available")

	// ErrProvisionFailed indicates namespace or tunnel setup did not
	// complete; any partial namespace has already been torn down.
	ErrProvisionFailed = errors.New("namespace provisioning failed")

	// ErrNamespaceUnhealthy means a persisted context failed its health
	// check and is being recreated.
	ErrNamespaceUnhealthy = errors.New("namespace unhealthy")

	// ErrLockTimeout is returned when the cross-process lock cannot be
	// acquired within its deadline.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// ProvisionError wraps an underlying error with namespace context.
type ProvisionError struct {
	Slug string
	Op   string
	Err  error
}

func (e *ProvisionError) Error() string {
	if e.Slug != "" {
		return fmt.Sprintf("namespace %s: %s: %v", e.Slug, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
