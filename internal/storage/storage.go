// Package storage defines the persisted state the orchestrator works against.
//
// Every Update* method applies its mutation inside a single transaction so
// that callers running as separate stateless instances never interleave a
// read-check-write on the same record.
package storage

import (
	"context"
	"time"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Mutator edits a record in place inside a transaction. Returning an error
// aborts the transaction and the error is passed back to the caller.
type Mutator[T any] func(*T) error

type IdentityStorage interface {
	GetIdentity(ctx context.Context, ownerID string) (*models.BrowserIdentity, error)
	// EnsureIdentity inserts identity unless a record for its owner exists.
	// It returns the stored record and whether it was inserted.
	EnsureIdentity(ctx context.Context, identity *models.BrowserIdentity) (*models.BrowserIdentity, bool, error)
	UpdateIdentity(ctx context.Context, ownerID string, fn Mutator[models.BrowserIdentity]) (*models.BrowserIdentity, error)
	ListPendingIdentities(ctx context.Context, startedBefore time.Time) ([]*models.BrowserIdentity, error)
}

type TaskStorage interface {
	// InsertTaskWithinLimit stores task only if its owner has fewer than
	// limit non-terminal tasks, atomically with the count.
	InsertTaskWithinLimit(ctx context.Context, task *models.AutomationTask, limit int) error
	GetTask(ctx context.Context, taskID string) (*models.AutomationTask, error)
	UpdateTask(ctx context.Context, taskID string, fn Mutator[models.AutomationTask]) (*models.AutomationTask, error)
	ListTasks(ctx context.Context, ownerID string, limit int) ([]*models.AutomationTask, error)
	ListActiveTasks(ctx context.Context, ownerID string) ([]*models.AutomationTask, error)
	CountActiveTasks(ctx context.Context, ownerID string) (int, error)
	ListOwnersWithActiveTasks(ctx context.Context) ([]string, error)
}

type SessionStorage interface {
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// MarkSessionStopped is a no-op for unknown or already stopped sessions
	MarkSessionStopped(ctx context.Context, sessionID, reason string, at time.Time) error
	ListSessions(ctx context.Context, ownerID string, status models.SessionStatus) ([]*models.Session, error)
}

type CredentialStorage interface {
	SaveCredential(ctx context.Context, credential *models.Credential) error
	GetCredential(ctx context.Context, ownerID, credentialID string) (*models.Credential, error)
	ListCredentials(ctx context.Context, ownerID string, kind models.CredentialKind) ([]*models.Credential, error)
	DeleteCredential(ctx context.Context, ownerID, credentialID string) error
}

// Storage bundles every repository the services need
type Storage interface {
	Identities() IdentityStorage
	Tasks() TaskStorage
	Sessions() SessionStorage
	Credentials() CredentialStorage
	Close() error
}
