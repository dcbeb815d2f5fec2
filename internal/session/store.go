package session

import (
	"context"
	"errors"
)

// Store is the durable medium behind a Manager. Each session is kept as one
// full record plus one index entry; implementations keep the two in step.
type Store interface {
	// Create persists a new session. It fails if the id already exists.
	Create(ctx context.Context, s *Session) error

	// Get returns the session with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Update loads the session, applies fn and saves the result atomically.
	// If fn returns an error nothing is written and the error is returned.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)

	// Summaries returns the index entries of all sessions, most recently
	// updated first.
	Summaries(ctx context.Context) ([]Summary, error)

	// Delete removes a session and its index entry. Deleting an unknown id
	// is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases the medium.
	Close() error
}

// ErrExists is returned by Create when the id is already taken.
var ErrExists = errors.New("session: already exists")
