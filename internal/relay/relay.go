// Package relay connects a client to the forwarding proxy inside a
// namespace and splices bytes between them. The in-namespace relay speaks
// plain SOCKS5 with no authentication; this package is its client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/avmitin/nsproxy/internal/domain"
)

// SOCKS5 protocol bytes shared with the socks front end.
const (
	Version5 = 0x05

	AuthNone     = 0x00
	AuthPassword = 0x02
	AuthNoAccept = 0xFF

	CmdConnect = 0x01

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	RepSuccess             = 0x00
	RepGeneralFailure      = 0x01
	RepHostUnreachable     = 0x04
	RepConnectionRefused   = 0x05
	RepCommandNotSupported = 0x07
	RepAddressNotSupported = 0x08
)

const dialTimeout = 10 * time.Second

// ErrRelayRefused means the in-namespace relay rejected the handshake.
var ErrRelayRefused = errors.New("relay refused handshake")

// Dial opens a connection to nsCtx's relay port and completes the no-auth
// greeting. The caller then either replays a raw CONNECT request
// (SendRequest) or builds one (Connect).
func Dial(ctx context.Context, nsCtx domain.NamespaceContext) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	addr := net.JoinHostPort(nsCtx.Addr, strconv.Itoa(nsCtx.RelayPort))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}

	if err := greet(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func greet(conn net.Conn) error {
	if _, err := conn.Write([]byte{Version5, 1, AuthNone}); err != nil {
		return fmt.Errorf("relay greeting: %w", err)
	}
	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return fmt.Errorf("relay greeting reply: %w", err)
	}
	if resp[0] != Version5 || resp[1] != AuthNone {
		return fmt.Errorf("%w: method reply %#x/%#x", ErrRelayRefused, resp[0], resp[1])
	}
	return nil
}

// SendRequest forwards a raw SOCKS5 request to the relay and reads one
// complete reply, returned verbatim so a front end can pass it through to
// its client unchanged.
func SendRequest(conn net.Conn, rawReq []byte) ([]byte, error) {
	if _, err := conn.Write(rawReq); err != nil {
		return nil, fmt.Errorf("forward request: %w", err)
	}
	return ReadReply(conn)
}

// ReadReply consumes one SOCKS5 reply from conn and returns its bytes.
func ReadReply(conn net.Conn) ([]byte, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	var addrLen int
	switch head[3] {
	case AtypIPv4:
		addrLen = 4
	case AtypIPv6:
		addrLen = 16
	case AtypDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return nil, fmt.Errorf("read reply addr len: %w", err)
		}
		head = append(head, l[0])
		addrLen = int(l[0])
	default:
		return nil, fmt.Errorf("reply with unknown address type %#x", head[3])
	}

	rest := make([]byte, addrLen+2)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, fmt.Errorf("read reply address: %w", err)
	}
	return append(head, rest...), nil
}

// BuildRequest assembles a CONNECT request for host:port. IPv4 literals
// use the IPv4 address type, everything else the domain form.
func BuildRequest(host string, port uint16) ([]byte, error) {
	req := []byte{Version5, CmdConnect, 0x00}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		req = append(req, AtypIPv4)
		req = append(req, ip.To4()...)
	} else {
		if len(host) > 255 {
			return nil, fmt.Errorf("hostname too long: %d bytes", len(host))
		}
		req = append(req, AtypDomain, byte(len(host)))
		req = append(req, host...)
	}
	return append(req, byte(port>>8), byte(port)), nil
}

// Connect dials the namespace relay and asks it to reach host:port. On a
// non-success reply the connection is closed and the reply code returned
// with the error.
func Connect(ctx context.Context, nsCtx domain.NamespaceContext, host string, port uint16) (net.Conn, error) {
	conn, err := Dial(ctx, nsCtx)
	if err != nil {
		return nil, err
	}

	req, err := BuildRequest(host, port)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	reply, err := SendRequest(conn, req)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if reply[1] != RepSuccess {
		_ = conn.Close()
		return nil, fmt.Errorf("relay connect to %s:%d failed: reply %#x", host, port, reply[1])
	}
	return conn, nil
}

// Splice pipes bytes both ways until either side closes or errors, then
// closes both so no half-open connection lingers. It returns the bytes
// moved client-to-upstream (sent) and upstream-to-client (received).
func Splice(client, upstream net.Conn) (sent, received int64) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		received, _ = io.CopyBuffer(client, upstream, buf)
		// Propagate the close immediately rather than waiting for the
		// other direction to notice.
		_ = client.Close()
		_ = upstream.Close()
	}()

	buf := make([]byte, 32*1024)
	sent, _ = io.CopyBuffer(upstream, client, buf)
	_ = client.Close()
	_ = upstream.Close()
	<-done
	return sent, received
}
