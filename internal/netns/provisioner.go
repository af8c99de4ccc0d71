// Package netns manages per-identity network namespaces: lazy creation,
// health checking, and teardown. The privileged work (veth pairing, NAT or
// tunnel routing, DNS isolation, the fail-closed firewall) is done by an
// external helper consumed through the Provisioner interface; this package
// owns orchestration, persistence, and the tunnel subprocess lifecycle.
package netns

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/avmitin/nsproxy/internal/domain"
)

// CreateRequest carries everything the helper needs to build a namespace.
type CreateRequest struct {
	Name        string
	Index       int
	Addr        string
	RelayPort   int
	Endpoint    domain.Endpoint
	ProfilePath string
}

// Provisioner wraps the external namespace/firewall helper's four
// operations. Create and CreateDirect must be all-or-nothing from the
// helper's side; partial failures are cleaned up by calling Destroy.
type Provisioner interface {
	// Create builds a tunneled namespace: veth pair, kill-switch
	// firewall scoped to the tunnel endpoint, isolated DNS, relay port.
	Create(ctx context.Context, req CreateRequest) error

	// CreateDirect builds a namespace whose traffic exits through the
	// host route via NAT, with no tunnel.
	CreateDirect(ctx context.Context, req CreateRequest) error

	// Destroy tears the namespace down. Destroying a namespace that no
	// longer exists is not an error.
	Destroy(ctx context.Context, name string) error

	// Check verifies the namespace is intact: it exists at the OS
	// level, the internal interface is up, and (unless direct) the
	// tunnel interface is up.
	Check(ctx context.Context, name string, direct bool) error
}

// ExecProvisioner shells out to the helper binary.
type ExecProvisioner struct {
	helper string
}

// NewExecProvisioner returns a Provisioner invoking the helper at path.
func NewExecProvisioner(path string) *ExecProvisioner {
	return &ExecProvisioner{helper: path}
}

func (p *ExecProvisioner) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, p.helper, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(out.String())
		if detail != "" {
			return fmt.Errorf("%s %s: %w: %s", p.helper, args[0], err, detail)
		}
		return fmt.Errorf("%s %s: %w", p.helper, args[0], err)
	}
	return nil
}

// Create implements [Provisioner].
func (p *ExecProvisioner) Create(ctx context.Context, req CreateRequest) error {
	return p.run(ctx, "create",
		"--name", req.Name,
		"--index", strconv.Itoa(req.Index),
		"--addr", req.Addr,
		"--relay-port", strconv.Itoa(req.RelayPort),
		"--endpoint", fmt.Sprintf("%s:%d", req.Endpoint.Host, req.Endpoint.Port),
		"--profile", req.ProfilePath,
	)
}

// CreateDirect implements [Provisioner].
func (p *ExecProvisioner) CreateDirect(ctx context.Context, req CreateRequest) error {
	return p.run(ctx, "create-direct",
		"--name", req.Name,
		"--index", strconv.Itoa(req.Index),
		"--addr", req.Addr,
		"--relay-port", strconv.Itoa(req.RelayPort),
	)
}

// Destroy implements [Provisioner].
func (p *ExecProvisioner) Destroy(ctx context.Context, name string) error {
	return p.run(ctx, "destroy", "--name", name)
}

// Check implements [Provisioner].
func (p *ExecProvisioner) Check(ctx context.Context, name string, direct bool) error {
	args := []string{"check", "--name", name}
	if direct {
		args = append(args, "--direct")
	}
	return p.run(ctx, args...)
}

// NamespaceName derives the namespace name for an index.
func NamespaceName(index int) string {
	return "vpnns" + strconv.Itoa(index)
}

// NamespaceAddr derives the in-namespace veth address for an index. Indexes
// map onto distinct /24s under 10.127.0.0/16, wrapping after 254 so a
// long-running install never collides with a namespace mid-teardown (the
// monotonic index guarantees adjacent allocations differ).
func NamespaceAddr(index int) string {
	return fmt.Sprintf("10.127.%d.2", index%254+1)
}

// RelayPort is the forwarding proxy port inside every namespace. Each
// namespace has its own network stack, so the port never conflicts.
const RelayPort = 1080
