// Package store persists sessions and their action records. The
// relational schema is the system of record; the event bus is outbound
// only.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sgerhart/trapline/internal/model"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("store: session not found")

// Seal carries the final aggregates written when a session is closed.
type Seal struct {
	EndTime        time.Time
	BytesIn        int64
	BytesOut       int64
	ActionCount    int
	FinalSuspicion float64
	Detected       bool
	Reason         model.CloseReason
}

// Store is the durable session log. PutSessionOpen and SealSession are
// durable before returning; AppendActions is durable per call but the
// session manager may batch submissions. SealSession is idempotent: a
// second seal of the same session is a no-op.
type Store interface {
	PutSessionOpen(ctx context.Context, s *model.Session) error
	AppendActions(ctx context.Context, actions []*model.ActionRecord) error
	SealSession(ctx context.Context, id string, seal Seal) error
	AnnotateAction(ctx context.Context, sessionID string, step int, ann *model.Annotation) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*model.Session, error)
	ListActions(ctx context.Context, sessionID string) ([]*model.ActionRecord, error)
	// Recover seals every session a prior crash left open, backdating
	// the end time to its last action. It returns the sealed sessions
	// so the caller can publish their session-close events.
	Recover(ctx context.Context) ([]*model.Session, error)
	Close() error
}

// Open builds a Store from a connection URL. memory:// yields the
// in-memory store; postgres:// opens the relational backend.
func Open(url string, logger *slog.Logger) (Store, error) {
	switch {
	case url == "memory://" || strings.HasPrefix(url, "memory:"):
		return NewMemory(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(url, logger)
	default:
		return nil, fmt.Errorf("store: unsupported url %q", url)
	}
}
