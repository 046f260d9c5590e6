package models

import "time"

// SessionStatus represents the current state of an interactive login session
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
)

// Session is an externally hosted, live-viewable browser bound to one identity
type Session struct {
	ID          string        `json:"sessionId" badgerhold:"key"`
	OwnerID     string        `json:"ownerId"`
	IdentityID  string        `json:"identityId"`
	Backend     string        `json:"backend"`
	Site        string        `json:"site"`
	StartURL    string        `json:"startUrl"`
	LiveViewURL string        `json:"liveViewUrl"`
	Status      SessionStatus `json:"status"`
	KeepAlive   bool          `json:"keepAlive"`
	StartedAt   time.Time     `json:"startedAt"`
	StoppedAt   *time.Time    `json:"stoppedAt,omitempty"`
	StopReason  string        `json:"stopReason,omitempty"`
}
