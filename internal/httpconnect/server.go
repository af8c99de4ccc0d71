// Package httpconnect implements the HTTP CONNECT front end (RFC 7231
// §4.3.6 subset). Only CONNECT is served; the Proxy-Authorization
// username selects the VPN identity and a missing header means "use the
// random identity" so unauthenticated clients keep working.
package httpconnect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avmitin/nsproxy/internal/domain"
	"github.com/avmitin/nsproxy/internal/relay"
)

// MaxHeaderBytes caps the request head; anything longer is answered with
// 431 and closed.
const MaxHeaderBytes = 16 * 1024

const headerTimeout = 30 * time.Second

// DefaultPort applies when the CONNECT target omits a port.
const DefaultPort = 443

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

// Server accepts CONNECT clients and splices them into per-identity
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

// ListenAndServe accepts connections until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts from ln until ctx is done. Handler errors never stop the
// accept loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.log.Info("HTTP CONNECT front end listening", "addr", ln.Addr())

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

	_ = conn.SetDeadline(time.Now().Add(headerTimeout))

	head, early, err := readHead(conn)
	if err != nil {
		if err == errHeaderTooLarge {
			s.respond(conn, http.StatusRequestHeaderFieldsTooLarge, "", "request header block too large")
		}
		return
	}

	method, target, headers, err := parseHead(head)
	if err != nil {
		s.respond(conn, http.StatusBadRequest, "", err.Error())
		return
	}
	if method != http.MethodConnect {
		s.respond(conn, http.StatusMethodNotAllowed, "Allow: CONNECT", "only CONNECT is supported")
		return
	}

	host, port, err := SplitTarget(target)
	if err != nil {
		s.respond(conn, http.StatusBadRequest, "", err.Error())
		return
	}

	credential := credentialFrom(headers.Get("Proxy-Authorization"))
	slug, err := s.resolver.Resolve(ctx, credential)
	if err != nil {
		s.respond(conn, http.StatusBadGateway, "", fmt.Sprintf("identity resolution failed: %v", err))
		return
	}

	started := time.Now()
	nsCtx, err := s.namespaces.GetOrCreate(ctx, slug)
	if err != nil {
		s.log.Error("namespace unavailable", "slug", slug, "err", err)
		s.respond(conn, http.StatusBadGateway, "", fmt.Sprintf("namespace for %s unavailable: %v", slug, err))
		s.record(ctx, domain.Session{
			Slug: slug, Target: net.JoinHostPort(host, strconv.Itoa(port)),
			StartedAt: started, EndedAt: time.Now(), Outcome: domain.OutcomeProvisionFail,
		})
		return
	}

	upstream, err := relay.Connect(ctx, nsCtx, host, uint16(port))
	if err != nil {
		s.log.Error("relay connect failed", "slug", slug, "namespace", nsCtx.Name, "err", err)
		s.respond(conn, http.StatusBadGateway, "", fmt.Sprintf("upstream connect failed: %v", err))
		s.record(ctx, domain.Session{
			Slug: slug, Namespace: nsCtx.Name,
			Target:    net.JoinHostPort(host, strconv.Itoa(port)),
			StartedAt: started, EndedAt: time.Now(), Outcome: domain.OutcomeRelayFailed,
		})
		return
	}
	defer upstream.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}
	// Bytes the client sent after its header block (e.g. an eager TLS
	// hello) belong to the tunnel.
	if len(early) > 0 {
		if _, err := upstream.Write(early); err != nil {
			return
		}
	}

	_ = conn.SetDeadline(time.Time{})
	up, down := relay.Splice(conn, upstream)
	up += int64(len(early))

	s.record(ctx, domain.Session{
		Slug: slug, Namespace: nsCtx.Name,
		Target:    net.JoinHostPort(host, strconv.Itoa(port)),
		StartedAt: started, EndedAt: time.Now(),
		BytesUp: up, BytesDown: down, Outcome: domain.OutcomeOK,
	})
}

var errHeaderTooLarge = fmt.Errorf("header block exceeds %d bytes", MaxHeaderBytes)

// readHead accumulates bytes until the empty line ending the header block
// and returns the head plus any bytes read beyond it.
func readHead(conn net.Conn) (head, early []byte, err error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			return buf[:idx+4], buf[idx+4:], nil
		}
		if len(buf) > MaxHeaderBytes {
			return nil, nil, errHeaderTooLarge
		}
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			return nil, nil, rerr
		}
	}
}

// parseHead splits the request line and headers out of a header block.
func parseHead(head []byte) (method, target string, headers textproto.MIMEHeader, err error) {
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := reader.ReadLine()
	if err != nil {
		return "", "", nil, fmt.Errorf("read request line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return "", "", nil, fmt.Errorf("malformed request line %q", line)
	}
	headers, err = reader.ReadMIMEHeader()
	if err != nil {
		return "", "", nil, fmt.Errorf("read headers: %w", err)
	}
	return parts[0], parts[1], headers, nil
}

// SplitTarget parses a CONNECT target. Bracketed literals are accepted
// for forward compatibility with IPv6 host syntax; a missing port
// defaults to 443.
func SplitTarget(target string) (host string, port int, err error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, fmt.Errorf("empty CONNECT target")
	}

	if strings.HasPrefix(target, "[") {
		end := strings.Index(target, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated bracket in target %q", target)
		}
		host = target[1:end]
		rest := target[end+1:]
		if rest == "" {
			return host, DefaultPort, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, fmt.Errorf("malformed target %q", target)
		}
		port, err = parsePort(rest[1:])
		return host, port, err
	}

	host, portStr, found := strings.Cut(target, ":")
	if host == "" {
		return "", 0, fmt.Errorf("missing host in target %q", target)
	}
	if !found || portStr == "" {
		return host, DefaultPort, nil
	}
	port, err = parsePort(portStr)
	return host, port, err
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return port, nil
}

// credentialFrom extracts the username from a Proxy-Authorization header.
// The password half is discarded; a missing or unparsable header yields
// the empty credential (random identity).
func credentialFrom(header string) string {
	if header == "" {
		return ""
	}
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return ""
	}
	user, _, _ := strings.Cut(string(decoded), ":")
	return user
}

// respond writes a minimal HTTP error response and is used only before
// the 200 switch to tunneling.
func (s *Server) respond(conn net.Conn, status int, extraHeader, body string) {
	text := http.StatusText(status)
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	if extraHeader != "" {
		b.WriteString(extraHeader + "\r\n")
	}
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	_, _ = conn.Write([]byte(b.String()))
}

// record persists a finished session, attaching an ID.
func (s *Server) record(ctx context.Context, sess domain.Session) {
	sess.ID = uuid.NewString()
	s.sessions.RecordSession(context.WithoutCancel(ctx), sess)
}
