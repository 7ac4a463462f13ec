// Package store provides persistent session storage.
package store

import (
	"context"

	"github.com/embercore/ember/internal/domain"
)

// Store is the session storage the turn driver depends on. Sessions are
// read once at turn start and written once at turn end; concurrent turns
// against the same session key are not serialized at this layer.
type Store interface {
	// GetOrCreate loads the session with its message history, creating it
	// on first reference to a new key.
	GetOrCreate(ctx context.Context, key string) (*domain.Session, error)

	// GetSession loads a session with its history, or nil when the key is
	// unknown.
	GetSession(ctx context.Context, key string) (*domain.Session, error)

	// Save persists messages appended since load and the session row.
	Save(ctx context.Context, session *domain.Session) error

	// ListSessions returns all sessions without their histories.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	Close() error
}
