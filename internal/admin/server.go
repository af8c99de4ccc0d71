// Package admin serves the loopback observability endpoint: a JSON status
// snapshot, a websocket event stream, and pprof. It is read-only; every
// mutation goes through the CLI or the front ends.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/avmitin/nsproxy/internal/domain"
	"github.com/avmitin/nsproxy/internal/state"
	"github.com/avmitin/nsproxy/internal/store/sqlite"
)

const shutdownTimeout = 5 * time.Second

const (
	eventPollInterval = time.Second
	pingInterval      = 30 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// SessionLog is the read side of the session store used by the status and
// event endpoints. Nil disables the history portions of the payload.
type SessionLog interface {
	RecentSessions(ctx context.Context, limit int) ([]domain.Session, error)
	RecentEvents(ctx context.Context, limit int) ([]sqlite.Event, error)
	TotalsBySlug(ctx context.Context) ([]sqlite.SlugTotals, error)
}

// Options configures the admin server.
type Options struct {
	Addr     string
	State    *state.Store
	Sessions SessionLog
	Log      *slog.Logger

	// User and PasswordHash enable HTTP basic auth when both are set.
	// PasswordHash is a bcrypt hash, never a plaintext password.
	User         string
	PasswordHash string
}

// Server is the loopback admin endpoint.
type Server struct {
	addr     string
	state    *state.Store
	sessions SessionLog
	log      *slog.Logger

	user         string
	passwordHash []byte

	upgrader websocket.Upgrader
}

// New wires a Server.
func New(opts Options) *Server {
	return &Server{
		addr:         opts.Addr,
		state:        opts.State,
		sessions:     opts.Sessions,
		log:          opts.Log,
		user:         opts.User,
		passwordHash: []byte(opts.PasswordHash),
	}
}

// Run binds the listener and serves until ctx is done. It returns
// immediately on bind failure so address conflicts fail fast.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("admin endpoint listening", "addr", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	return s.withAuth(mux)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if len(s.passwordHash) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) != 1 ||
			bcrypt.CompareHashAndPassword(s.passwordHash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="nsproxy admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StatusPayload is the /status response document.
type StatusPayload struct {
	Now        time.Time                             `json:"now"`
	Namespaces map[string]domain.NamespaceContext    `json:"namespaces"`
	Random     *domain.RandomRotation                `json:"random,omitempty"`
	Totals     []sqlite.SlugTotals                   `json:"totals,omitempty"`
	Recent     []domain.Session                      `json:"recentSessions,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.state.Load()
	payload := StatusPayload{
		Now:        time.Now().UTC(),
		Namespaces: st.Namespaces,
		Random:     st.Random,
	}
	if s.sessions != nil {
		totals, err := s.sessions.TotalsBySlug(r.Context())
		if err != nil {
			s.log.Warn("totals query failed", "err", err)
		}
		payload.Totals = totals
		recent, err := s.sessions.RecentSessions(r.Context(), 20)
		if err != nil {
			s.log.Warn("recent sessions query failed", "err", err)
		}
		payload.Recent = recent
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// handleEvents streams lifecycle events over a websocket. The stream is
// fed by polling the session log with an ID watermark, so a subscriber
// sees every event recorded after it connected.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session log disabled", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// The upgrade hijacks the connection, so the request context no
	// longer fires on disconnect; the read loop is the only place a
	// closed client is observed. It discards frames and signals exit.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastID := s.currentWatermark(r.Context())

	poll := time.NewTicker(eventPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-poll.C:
			events, err := s.sessions.RecentEvents(r.Context(), 100)
			if err != nil {
				s.log.Warn("event poll failed", "err", err)
				continue
			}
			// RecentEvents is newest-first; replay the new tail in order.
			for i := len(events) - 1; i >= 0; i-- {
				ev := events[i]
				if ev.ID <= lastID {
					continue
				}
				if err := s.writeJSON(conn, ev); err != nil {
					return
				}
				lastID = ev.ID
			}
		}
	}
}

func (s *Server) currentWatermark(ctx context.Context) int64 {
	events, err := s.sessions.RecentEvents(ctx, 1)
	if err != nil || len(events) == 0 {
		return 0
	}
	return events[0].ID
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	return conn.WriteJSON(v)
}
