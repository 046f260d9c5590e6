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

// IdentityStorage keeps one BrowserIdentity per owner, keyed by owner id
type IdentityStorage struct {
	db *BadgerDB
}

var _ storage.IdentityStorage = (*IdentityStorage)(nil)

func (s *IdentityStorage) GetIdentity(ctx context.Context, ownerID string) (*models.BrowserIdentity, error) {
	var identity models.BrowserIdentity
	if err := s.db.Store().Get(ownerID, &identity); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("identity for owner %s: %w", ownerID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return &identity, nil
}

func (s *IdentityStorage) EnsureIdentity(ctx context.Context, identity *models.BrowserIdentity) (*models.BrowserIdentity, bool, error) {
	if identity.OwnerID == "" {
		return nil, false, fmt.Errorf("owner id is required: %w", apperrors.ErrInvalidRequest)
	}

	var stored models.BrowserIdentity
	created := false
	err := s.db.update(func(txn *badger.Txn) error {
		created = false
		err := s.db.Store().TxGet(txn, identity.OwnerID, &stored)
		if err == nil {
			// An earlier attempt may have claimed the row without finishing
			if stored.IdentityID == "" && identity.IdentityID != "" {
				identity.CreatedAt = stored.CreatedAt
				stored = *identity
				return s.db.Store().TxUpsert(txn, identity.OwnerID, &stored)
			}
			return nil
		}
		if !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
		stored = *identity
		created = true
		return s.db.Store().TxInsert(txn, identity.OwnerID, &stored)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure identity: %w", err)
	}
	return &stored, created, nil
}

func (s *IdentityStorage) UpdateIdentity(ctx context.Context, ownerID string, fn storage.Mutator[models.BrowserIdentity]) (*models.BrowserIdentity, error) {
	var identity models.BrowserIdentity
	err := s.db.update(func(txn *badger.Txn) error {
		identity = models.BrowserIdentity{}
		if err := s.db.Store().TxGet(txn, ownerID, &identity); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("identity for owner %s: %w", ownerID, apperrors.ErrNotFound)
			}
			return err
		}
		if err := fn(&identity); err != nil {
			return err
		}
		identity.UpdatedAt = time.Now().UTC()
		return s.db.Store().TxUpdate(txn, ownerID, &identity)
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *IdentityStorage) ListPendingIdentities(ctx context.Context, startedBefore time.Time) ([]*models.BrowserIdentity, error) {
	var identities []models.BrowserIdentity
	query := badgerhold.Where("Status").Eq(models.IdentityPendingLogin)
	if err := s.db.Store().Find(&identities, query); err != nil {
		return nil, fmt.Errorf("failed to list pending identities: %w", err)
	}

	result := make([]*models.BrowserIdentity, 0, len(identities))
	for i := range identities {
		since := identities[i].PendingSince
		if since == nil || since.Before(startedBefore) {
			result = append(result, &identities[i])
		}
	}
	return result, nil
}
