package sqlite

import (
	"context"
	"log/slog"

	"github.com/avmitin/nsproxy/internal/domain"
)

// Recorder is the best-effort write facade over the session log. Front
// ends and the namespace manager record through it; a failed write is
// logged and dropped rather than surfaced to the client path.
type Recorder struct {
	store *Store
	log   *slog.Logger
}

// NewRecorder wraps store for best-effort recording.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, log: logger}
}

// RecordSession persists a finished session.
func (r *Recorder) RecordSession(ctx context.Context, sess domain.Session) {
	if err := r.store.InsertSession(ctx, sess); err != nil {
		r.log.Warn("session record dropped", "slug", sess.Slug, "err", err)
	}
}

// RecordEvent persists a namespace lifecycle event.
func (r *Recorder) RecordEvent(ctx context.Context, kind, slug, detail string) {
	if err := r.store.InsertEvent(ctx, kind, slug, detail); err != nil {
		r.log.Warn("event record dropped", "kind", kind, "slug", slug, "err", err)
	}
}
