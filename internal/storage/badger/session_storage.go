package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/storage"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// SessionStorage keeps a history of login sessions per owner
type SessionStorage struct {
	db *BadgerDB
}

var _ storage.SessionStorage = (*SessionStorage)(nil)

func (s *SessionStorage) SaveSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required: %w", apperrors.ErrInvalidRequest)
	}
	if err := s.db.Store().Upsert(session.ID, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := s.db.Store().Get(sessionID, &session); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *SessionStorage) MarkSessionStopped(ctx context.Context, sessionID, reason string, at time.Time) error {
	if sessionID == "" {
		return nil
	}
	return s.db.update(func(txn *badger.Txn) error {
		var session models.Session
		if err := s.db.Store().TxGet(txn, sessionID, &session); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return nil
			}
			return err
		}
		if session.Status == models.SessionStopped {
			return nil
		}
		session.Status = models.SessionStopped
		session.StopReason = reason
		session.StoppedAt = &at
		return s.db.Store().TxUpdate(txn, sessionID, &session)
	})
}

func (s *SessionStorage) ListSessions(ctx context.Context, ownerID string, status models.SessionStatus) ([]*models.Session, error) {
	query := badgerhold.Where("OwnerID").Eq(ownerID)
	if status != "" {
		query = query.And("Status").Eq(status)
	}

	var sessions []models.Session
	if err := s.db.Store().Find(&sessions, query.SortBy("StartedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	result := make([]*models.Session, len(sessions))
	for i := range sessions {
		result[i] = &sessions[i]
	}
	return result, nil
}
