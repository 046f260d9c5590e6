package models

import (
	"sort"
	"time"
)

// IdentityStatus represents where a browser identity is in its login lifecycle
type IdentityStatus string

const (
	IdentityUninitialized IdentityStatus = "uninitialized"
	IdentityReady         IdentityStatus = "ready"
	IdentityPendingLogin  IdentityStatus = "pending_login"
	IdentityActive        IdentityStatus = "active"
)

// ProxyConfig is the outbound proxy an identity's browser should use
type ProxyConfig struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
}

// BrowserIdentity is the durable external profile that carries one owner's cookies
type BrowserIdentity struct {
	OwnerID            string         `json:"ownerId" badgerhold:"key"`
	IdentityID         string         `json:"identityId"`
	ProfileName        string         `json:"profileName"`
	Backend            string         `json:"backend"`
	Status             IdentityStatus `json:"status"`
	AuthenticatedSites []string       `json:"authenticatedSites"`
	LastLoginAt        *time.Time     `json:"lastLoginAt,omitempty"`
	Proxy              *ProxyConfig   `json:"proxyConfig,omitempty"`

	PendingSessionID string     `json:"pendingSessionId,omitempty"`
	PendingTaskID    string     `json:"pendingTaskId,omitempty"`
	PendingSite      string     `json:"pendingSite,omitempty"`
	PendingSince     *time.Time `json:"pendingSince,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ready reports whether the identity has an external profile behind it
func (i *BrowserIdentity) Ready() bool {
	return i.IdentityID != "" && i.Status != IdentityUninitialized
}

// HasPending reports whether a login session or task is still tracked on the identity
func (i *BrowserIdentity) HasPending() bool {
	return i.PendingSessionID != "" || i.PendingTaskID != "" || i.Status == IdentityPendingLogin
}

// LoginPending reports whether an interactive login is in progress
func (i *BrowserIdentity) LoginPending() bool {
	return i.PendingSessionID != "" || i.Status == IdentityPendingLogin
}

// HasSite reports whether site is already in the authenticated set
func (i *BrowserIdentity) HasSite(site string) bool {
	for _, s := range i.AuthenticatedSites {
		if s == site {
			return true
		}
	}
	return false
}

// AddSite adds site to the authenticated set, keeping it sorted and duplicate free
func (i *BrowserIdentity) AddSite(site string) {
	if site == "" || i.HasSite(site) {
		return
	}
	i.AuthenticatedSites = append(i.AuthenticatedSites, site)
	sort.Strings(i.AuthenticatedSites)
}

// ClearLogin drops the pending login session and settles the status
func (i *BrowserIdentity) ClearLogin() {
	i.PendingSessionID = ""
	i.PendingSite = ""
	i.PendingSince = nil
	if i.Status == IdentityPendingLogin {
		i.Status = i.settledStatus()
	}
}

// ClearPending drops every pending pointer and settles the status
func (i *BrowserIdentity) ClearPending() {
	i.PendingTaskID = ""
	i.ClearLogin()
}

func (i *BrowserIdentity) settledStatus() IdentityStatus {
	if i.IdentityID == "" {
		return IdentityUninitialized
	}
	if len(i.AuthenticatedSites) > 0 {
		return IdentityActive
	}
	return IdentityReady
}
