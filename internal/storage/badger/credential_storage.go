package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/storage"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// CredentialStorage persists encrypted credential bundles
type CredentialStorage struct {
	db *BadgerDB
}

var _ storage.CredentialStorage = (*CredentialStorage)(nil)

// SaveCredential upserts the credential. Marking one default clears the
// flag on the owner's other credentials of the same kind.
func (s *CredentialStorage) SaveCredential(ctx context.Context, credential *models.Credential) error {
	if credential.ID == "" || credential.OwnerID == "" {
		return fmt.Errorf("credential id and owner id are required: %w", apperrors.ErrInvalidRequest)
	}

	return s.db.update(func(txn *badger.Txn) error {
		if credential.IsDefault {
			var others []models.Credential
			query := badgerhold.Where("OwnerID").Eq(credential.OwnerID).And("Kind").Eq(credential.Kind).And("IsDefault").Eq(true)
			if err := s.db.Store().TxFind(txn, &others, query); err != nil {
				return err
			}
			for i := range others {
				if others[i].ID == credential.ID {
					continue
				}
				others[i].IsDefault = false
				if err := s.db.Store().TxUpdate(txn, others[i].ID, &others[i]); err != nil {
					return err
				}
			}
		}
		return s.db.Store().TxUpsert(txn, credential.ID, credential)
	})
}

func (s *CredentialStorage) GetCredential(ctx context.Context, ownerID, credentialID string) (*models.Credential, error) {
	var credential models.Credential
	if err := s.db.Store().Get(credentialID, &credential); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("credential %s: %w", credentialID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if credential.OwnerID != ownerID {
		return nil, fmt.Errorf("credential %s: %w", credentialID, apperrors.ErrNotFound)
	}
	return &credential, nil
}

func (s *CredentialStorage) ListCredentials(ctx context.Context, ownerID string, kind models.CredentialKind) ([]*models.Credential, error) {
	query := badgerhold.Where("OwnerID").Eq(ownerID)
	if kind != "" {
		query = query.And("Kind").Eq(kind)
	}

	var credentials []models.Credential
	if err := s.db.Store().Find(&credentials, query.SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	result := make([]*models.Credential, len(credentials))
	for i := range credentials {
		result[i] = &credentials[i]
	}
	return result, nil
}

func (s *CredentialStorage) DeleteCredential(ctx context.Context, ownerID, credentialID string) error {
	if _, err := s.GetCredential(ctx, ownerID, credentialID); err != nil {
		return err
	}
	if err := s.db.Store().Delete(credentialID, &models.Credential{}); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
