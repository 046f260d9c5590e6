package models

import "time"

// CredentialKind names what a credential unlocks
type CredentialKind string

const (
	CredentialCard      CredentialKind = "card"
	CredentialSiteLogin CredentialKind = "site_login"
	CredentialProxy     CredentialKind = "proxy"
)

// Credential is an encrypted secret bundle. Fields holds ciphertext only.
type Credential struct {
	ID        string            `json:"id" badgerhold:"key"`
	OwnerID   string            `json:"ownerId" badgerholdIndex:"OwnerID"`
	Kind      CredentialKind    `json:"kind"`
	Name      string            `json:"name"`
	IsDefault bool              `json:"isDefault"`
	Fields    map[string]string `json:"-"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CredentialRef points at a stored credential without carrying its secret
type CredentialRef struct {
	ID   string         `json:"id"`
	Name string         `json:"name,omitempty"`
	Kind CredentialKind `json:"kind,omitempty"`
}

// Ref returns a reference to the credential
func (c *Credential) Ref() CredentialRef {
	return CredentialRef{ID: c.ID, Name: c.Name, Kind: c.Kind}
}

// CredentialInput is the plaintext payload accepted when storing a credential
type CredentialInput struct {
	Kind      CredentialKind    `json:"kind" validate:"required,oneof=card site_login proxy"`
	Name      string            `json:"name" validate:"required"`
	IsDefault bool              `json:"isDefault"`
	Fields    map[string]string `json:"fields" validate:"required,min=1"`
}
