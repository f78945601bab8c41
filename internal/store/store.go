// Package store is the durable record layer: identities, refresh sessions,
// projects, tasks and the per-scope sequence counters behind their
// human-facing numbers. Three adapters implement it: in-memory, SQLite and
// Postgres. All cross-request coordination happens here through conditional
// statements; callers never do read-modify-write on shared rows.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrEmailTaken         = errors.New("store: email already registered")
	ErrUnknownToken       = errors.New("store: unknown refresh token")
	ErrDuplicateToken     = errors.New("store: refresh token already recorded")
	ErrSessionRevoked     = errors.New("store: session already revoked")
	ErrSubjectMismatch    = errors.New("store: session subject mismatch")
	ErrAllocationConflict = errors.New("store: sequence allocation conflict")
)

// allocRetries bounds the insert retry loop that backstops sequence
// allocation. The counter upsert is atomic, so a conflict here means
// something outside this process wrote a colliding number.
const allocRetries = 3

// Store is the full persistence contract.
type Store interface {
	// Identities
	CreateIdentity(ctx context.Context, email, passwordHash, name, role string) (*Identity, error)
	IdentityByEmail(ctx context.Context, email string) (*Identity, error)
	IdentityByID(ctx context.Context, id string) (*Identity, error)
	ListIdentities(ctx context.Context) ([]*Identity, error)

	// Refresh sessions. Tokens are write-once: recording a token string that
	// already exists fails with ErrDuplicateToken rather than clobbering the
	// existing record and its revoked flag.
	CreateSession(ctx context.Context, subjectID, token string, expiresAt int64) error
	// RotateSession atomically revokes oldToken and records newToken. With
	// concurrent callers racing on the same oldToken, exactly one wins; the
	// rest observe ErrSessionRevoked.
	RotateSession(ctx context.Context, oldToken, subjectID, newToken string, newExpiresAt int64) error
	// RevokeSession is idempotent: absent or already-revoked tokens are a
	// silent no-op.
	RevokeSession(ctx context.Context, token string) error
	RevokeAllForSubject(ctx context.Context, subjectID string) error
	SessionByToken(ctx context.Context, token string) (*SessionRecord, error)

	// Projects (sequence numbers allocated internally, atomically)
	CreateProject(ctx context.Context, ownerID, name, description string) (*Project, error)
	ProjectsByOwner(ctx context.Context, ownerID string) ([]*Project, error)
	ProjectByNumber(ctx context.Context, ownerID string, number int64) (*Project, error)
	ProjectByID(ctx context.Context, id string) (*Project, error)
	UpdateProject(ctx context.Context, id string, upd ProjectUpdate) (*Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Tasks
	CreateTask(ctx context.Context, projectID string, tc TaskCreate) (*Task, error)
	TasksByProject(ctx context.Context, projectID string) ([]*Task, error)
	TaskByNumber(ctx context.Context, projectID string, number int64) (*Task, error)
	TaskByID(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error)
	DeleteTask(ctx context.Context, id string) error

	Close() error
	Ping(ctx context.Context) bool
}

// Sequence scope keys. Counters are keyed by parent entity so numbers are
// independent across owners and across projects.
func projectScope(ownerID string) string { return "project:" + ownerID }
func taskScope(projectID string) string  { return "task:" + projectID }
