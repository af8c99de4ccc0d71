// Package socks implements the SOCKS5 front end (RFC 1928/1929 subset):
// CONNECT only, IPv4 and domain addresses, optional username/password
// authentication where the username selects the VPN identity and the
// password is accepted but carries no meaning.
package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/avmitin/nsproxy/internal/domain"
	"github.com/avmitin/nsproxy/internal/relay"
)

// handshakeTimeout bounds the protocol exchange before relaying starts.
// Relaying itself carries no deadline; socket closure is the cancellation
// signal.
const handshakeTimeout = 30 * time.Second

// CredentialResolver maps a raw credential onto an identity slug.
type CredentialResolver interface {
	Resolve(ctx context.Context, raw string) (string, error)
}

// NamespaceProvider returns a ready namespace context for a resolved slug.
type NamespaceProvider interface {
	GetOrCreate(ctx context.Context, slug string) (domain.NamespaceContext, error)
}

// SessionRecorder persists finished sessions, best-effort.
type SessionRecorder interface {
	RecordSession(ctx context.Context, sess domain.Session)
}

type noopSessions struct{}

func (noopSessions) RecordSession(context.Context, domain.Session) {}

// Server accepts SOCKS5 clients and splices them into per-identity
// namespaces.
type Server struct {
	addr       string
	resolver   CredentialResolver
	namespaces NamespaceProvider
	sessions   SessionRecorder
	log        *slog.Logger
}

// New wires a Server. sessions may be nil.
func New(addr string, resolver CredentialResolver, namespaces NamespaceProvider, sessions SessionRecorder, logger *slog.Logger) *Server {
	if sessions == nil {
		sessions = noopSessions{}
	}
	return &Server{
		addr:       addr,
		resolver:   resolver,
		namespaces: namespaces,
		sessions:   sessions,
		log:        logger,
	}
}

// ListenAndServe accepts connections until ctx is done. Handler errors
// never stop the accept loop.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("socks listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts from ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.log.Info("SOCKS5 front end listening", "addr", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection handler panicked", "panic", r)
		}
		_ = conn.Close()
	}()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	credential, err := s.negotiate(conn)
	if err != nil {
		s.log.Debug("handshake failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	rawReq, host, port, err := s.readRequest(conn)
	if err != nil {
		s.log.Debug("request rejected", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	slug, err := s.resolver.Resolve(ctx, credential)
	if err != nil {
		s.log.Error("identity resolution failed", "credential", credential, "err", err)
		s.reply(conn, relay.RepGeneralFailure)
		return
	}

	started := time.Now()
	nsCtx, err := s.namespaces.GetOrCreate(ctx, slug)
	if err != nil {
		s.log.Error("namespace unavailable", "slug", slug, "err", err)
		s.reply(conn, relay.RepGeneralFailure)
		s.record(ctx, domain.Session{
			Slug: slug, Target: net.JoinHostPort(host, strconv.Itoa(int(port))),
			StartedAt: started, EndedAt: time.Now(), Outcome: domain.OutcomeProvisionFail,
		})
		return
	}

	upstream, err := relay.Dial(ctx, nsCtx)
	if err != nil {
		s.log.Error("relay dial failed", "slug", slug, "namespace", nsCtx.Name, "err", err)
		s.reply(conn, relay.RepGeneralFailure)
		s.record(ctx, domain.Session{
			Slug: slug, Namespace: nsCtx.Name,
			Target:    net.JoinHostPort(host, strconv.Itoa(int(port))),
			StartedAt: started, EndedAt: time.Now(), Outcome: domain.OutcomeRelayFailed,
		})
		return
	}
	defer upstream.Close()

	// Replay the client's request bytes and pass the reply through
	// unchanged, so the client sees exactly what the relay answered.
	reply, err := relay.SendRequest(upstream, rawReq)
	if err != nil {
		s.log.Warn("relay request failed", "slug", slug, "err", err)
		s.reply(conn, relay.RepGeneralFailure)
		return
	}
	if _, err := conn.Write(reply); err != nil {
		return
	}
	if reply[1] != relay.RepSuccess {
		return
	}

	_ = conn.SetDeadline(time.Time{})
	up, down := relay.Splice(conn, upstream)

	s.record(ctx, domain.Session{
		Slug: slug, Namespace: nsCtx.Name,
		Target:    net.JoinHostPort(host, strconv.Itoa(int(port))),
		StartedAt: started, EndedAt: time.Now(),
		BytesUp: up, BytesDown: down, Outcome: domain.OutcomeOK,
	})
}

// negotiate runs the method selection and, when offered, the RFC 1929
// username/password subnegotiation. It returns the username (the identity
// credential), empty for unauthenticated clients.
func (s *Server) negotiate(conn net.Conn) (string, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return "", fmt.Errorf("read greeting: %w", err)
	}
	if head[0] != relay.Version5 {
		return "", fmt.Errorf("bad version %#x", head[0])
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", fmt.Errorf("read methods: %w", err)
	}

	var hasNone, hasPassword bool
	for _, m := range methods {
		switch m {
		case relay.AuthNone:
			hasNone = true
		case relay.AuthPassword:
			hasPassword = true
		}
	}

	switch {
	case hasPassword:
		// Prefer the credential when the client offers one: it names
		// the identity to route through.
		if _, err := conn.Write([]byte{relay.Version5, relay.AuthPassword}); err != nil {
			return "", err
		}
		return s.readUserPass(conn)
	case hasNone:
		if _, err := conn.Write([]byte{relay.Version5, relay.AuthNone}); err != nil {
			return "", err
		}
		return "", nil
	default:
		_, _ = conn.Write([]byte{relay.Version5, relay.AuthNoAccept})
		return "", errors.New("no acceptable auth method")
	}
}

// readUserPass parses the RFC 1929 subnegotiation. The password is read
// and discarded: it exists only to satisfy clients that insist on sending
// a pair, and checking it would add no security on a loopback listener.
func (s *Server) readUserPass(conn net.Conn) (string, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return "", fmt.Errorf("read auth header: %w", err)
	}
	if head[0] != 0x01 {
		return "", fmt.Errorf("bad auth version %#x", head[0])
	}
	user := make([]byte, head[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return "", fmt.Errorf("read username: %w", err)
	}
	var plen [1]byte
	if _, err := io.ReadFull(conn, plen[:]); err != nil {
		return "", fmt.Errorf("read password length: %w", err)
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	if _, err := conn.Write([]byte{0x01, 0x00}); err != nil {
		return "", err
	}
	return string(user), nil
}

// readRequest parses the CONNECT request and returns the raw request
// bytes (for replay against the relay) plus the parsed target.
func (s *Server) readRequest(conn net.Conn) (raw []byte, host string, port uint16, err error) {
	head := make([]byte, 4)
	if _, err = io.ReadFull(conn, head); err != nil {
		return nil, "", 0, fmt.Errorf("read request: %w", err)
	}
	if head[0] != relay.Version5 {
		return nil, "", 0, fmt.Errorf("bad request version %#x", head[0])
	}
	if head[1] != relay.CmdConnect {
		s.reply(conn, relay.RepCommandNotSupported)
		return nil, "", 0, fmt.Errorf("unsupported command %#x", head[1])
	}

	var addr []byte
	switch head[3] {
	case relay.AtypIPv4:
		addr = make([]byte, 4)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return nil, "", 0, fmt.Errorf("read ipv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case relay.AtypDomain:
		var l [1]byte
		if _, err = io.ReadFull(conn, l[:]); err != nil {
			return nil, "", 0, fmt.Errorf("read domain length: %w", err)
		}
		name := make([]byte, l[0])
		if _, err = io.ReadFull(conn, name); err != nil {
			return nil, "", 0, fmt.Errorf("read domain: %w", err)
		}
		addr = append(l[:], name...)
		host = string(name)
	case relay.AtypIPv6:
		s.reply(conn, relay.RepAddressNotSupported)
		return nil, "", 0, errors.New("ipv6 destinations not supported")
	default:
		s.reply(conn, relay.RepAddressNotSupported)
		return nil, "", 0, fmt.Errorf("unknown address type %#x", head[3])
	}

	portBytes := make([]byte, 2)
	if _, err = io.ReadFull(conn, portBytes); err != nil {
		return nil, "", 0, fmt.Errorf("read port: %w", err)
	}
	port = binary.BigEndian.Uint16(portBytes)

	raw = append(head, addr...)
	raw = append(raw, portBytes...)
	return raw, host, port, nil
}

// reply sends a minimal SOCKS5 reply with a zero bind address.
func (s *Server) reply(conn net.Conn, rep byte) {
	_, _ = conn.Write([]byte{relay.Version5, rep, 0x00, relay.AtypIPv4, 0, 0, 0, 0, 0, 0})
}

// record persists a finished session, attaching an ID.
func (s *Server) record(ctx context.Context, sess domain.Session) {
	sess.ID = uuid.NewString()
	s.sessions.RecordSession(context.WithoutCancel(ctx), sess)
}
