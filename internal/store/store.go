// Package store persists benchmark sessions and their records.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tractjoin/internal/bench"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = eris.New("store: not found")

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

// Session states.
const (
	StatusRunning  SessionStatus = "running"
	StatusComplete SessionStatus = "complete"
	StatusFailed   SessionStatus = "failed"
)

// Session is one invocation of the harness or of a single join.
type Session struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Status      SessionStatus  `json:"status"`
	Datasets    []string       `json:"datasets"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	RecordCount int            `json:"record_count"`
	Records     []bench.Record `json:"records,omitempty"`
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status  SessionStatus `json:"status,omitempty"`
	Command string        `json:"command,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Offset  int           `json:"offset,omitempty"`
}

// Store defines the persistence interface for benchmark history.
type Store interface {
	CreateSession(ctx context.Context, command string, datasets []string) (*Session, error)
	AddRecords(ctx context.Context, sessionID string, records []bench.Record) error
	FinishSession(ctx context.Context, sessionID string, runErr error) error
	// GetSession returns the session with its records in insertion order.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// ListSessions returns sessions newest first, without records.
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)

	Migrate(ctx context.Context) error
	Close() error
}
