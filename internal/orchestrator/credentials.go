package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shehryarbajwa/browserpilot/internal/secrets"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// StoreCredential encrypts every field of in and saves it for ownerID
func (o *Orchestrator) StoreCredential(ctx context.Context, ownerID string, in models.CredentialInput) (*models.Credential, error) {
	sealed, err := secrets.EncryptFields(o.cipher, in.Fields)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	credential := &models.Credential{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Kind:      in.Kind,
		Name:      strings.TrimSpace(in.Name),
		IsDefault: in.IsDefault,
		Fields:    sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Credentials().SaveCredential(ctx, credential); err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("owner_id", ownerID).
		Str("credential_id", credential.ID).
		Str("kind", string(credential.Kind)).
		Msg("Credential stored")
	return credential, nil
}

// ListCredentials returns credential metadata; Fields never leave storage
func (o *Orchestrator) ListCredentials(ctx context.Context, ownerID string, kind models.CredentialKind) ([]models.CredentialRef, error) {
	creds, err := o.store.Credentials().ListCredentials(ctx, ownerID, kind)
	if err != nil {
		return nil, err
	}
	refs := make([]models.CredentialRef, 0, len(creds))
	for _, c := range creds {
		refs = append(refs, c.Ref())
	}
	return refs, nil
}

func (o *Orchestrator) DeleteCredential(ctx context.Context, ownerID, credentialID string) error {
	return o.store.Credentials().DeleteCredential(ctx, ownerID, credentialID)
}
