// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dndgpt/internal/domain"
)

// Repository persists anonymous users and their per-tab chat sessions.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when
	// the user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetSession retrieves a tab session. It returns nil, nil when the
	// session does not exist.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)

	// SetMonster stores the session's monster record, creating the session
	// if needed. A nil monster clears the slot.
	SetMonster(ctx context.Context, userID, sessionID string, monster *domain.Monster) error

	// DeleteSession removes a tab session and its monster slot.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// CleanupExpiredSessions removes sessions not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// CleanupIdleUsers removes users unseen within ttl that have no
	// remaining sessions.
	CleanupIdleUsers(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
