package models

import "time"

// TaskStatus represents where an automation task is in its lifecycle
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSearching TaskStatus = "searching"
	TaskFoundDeal TaskStatus = "found_deal"
	TaskCheckout  TaskStatus = "checkout"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// ActiveTaskStatuses lists every non-terminal status
var ActiveTaskStatuses = []TaskStatus{TaskPending, TaskSearching, TaskFoundDeal, TaskCheckout}

var taskRank = map[TaskStatus]int{
	TaskPending:   0,
	TaskSearching: 1,
	TaskFoundDeal: 2,
	TaskCheckout:  3,
	TaskCompleted: 4,
	TaskFailed:    4,
	TaskCancelled: 4,
}

// IsTerminal reports whether no further transitions are permitted
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Rank orders statuses along the forward path; terminal statuses share the top rank
func (s TaskStatus) Rank() int {
	r, ok := taskRank[s]
	if !ok {
		return -1
	}
	return r
}

// CanAdvanceTo reports whether moving from s to next is a forward transition
func (s TaskStatus) CanAdvanceTo(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// TaskKind distinguishes the kinds of automation the orchestrator runs
type TaskKind string

const (
	KindOrder       TaskKind = "order"
	KindApplication TaskKind = "application"
)

// Objective describes what the external agent should accomplish
type Objective struct {
	Kind         TaskKind `json:"kind" validate:"omitempty,oneof=order application"`
	Instruction  string   `json:"instruction,omitempty"`
	Query        string   `json:"query" validate:"required_without=Instruction"`
	MaxPrice     float64  `json:"maxPrice,omitempty" validate:"gte=0"`
	Quantity     int      `json:"quantity,omitempty" validate:"gte=0"`
	Sites        []string `json:"sites,omitempty"`
	StartURL     string   `json:"startUrl,omitempty" validate:"omitempty,url"`
	ExtraDetails string   `json:"extraDetails,omitempty"`
}

// ShippingTarget is where an order should be delivered
type ShippingTarget struct {
	Name       string `json:"name" validate:"required"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required"`
	Phone      string `json:"phone,omitempty"`
}

// ResultSummary is the normalized outcome parsed from backend output
type ResultSummary struct {
	Success     bool    `json:"success"`
	Summary     string  `json:"summary"`
	OrderNumber string  `json:"orderNumber,omitempty"`
	TotalPrice  float64 `json:"totalPrice,omitempty"`
	Site        string  `json:"site,omitempty"`
	ProductURL  string  `json:"productUrl,omitempty"`
}

// TaskProgress carries incremental metadata reported while a run is active
type TaskProgress struct {
	Steps        int       `json:"steps"`
	LastStep     string    `json:"lastStep,omitempty"`
	LiveURL      string    `json:"liveUrl,omitempty"`
	RecordingURL string    `json:"recordingUrl,omitempty"`
	SyncedAt     time.Time `json:"syncedAt"`
}

// AutomationTask is one delegated automation job tracked locally
type AutomationTask struct {
	ID              string          `json:"taskId" badgerhold:"key"`
	OwnerID         string          `json:"ownerId" badgerholdIndex:"OwnerID"`
	Backend         string          `json:"backend"`
	Objective       Objective       `json:"objective"`
	Shipping        *ShippingTarget `json:"shipping,omitempty"`
	Status          TaskStatus      `json:"status"`
	IdentityID      string          `json:"identityId,omitempty"`
	ExternalRunID   string          `json:"externalRunId,omitempty"`
	ExternalSession string          `json:"externalSessionId,omitempty"`
	CardsTried      []CredentialRef `json:"cardsTried"`
	SitesTried      []string        `json:"sitesTried"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	LastSyncError   string          `json:"lastSyncError,omitempty"`
	Result          *ResultSummary  `json:"result,omitempty"`
	Progress        *TaskProgress   `json:"progress,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	SubmittedAt     *time.Time      `json:"submittedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// Finish moves the task into a terminal status
func (t *AutomationTask) Finish(status TaskStatus, errMsg string, at time.Time) {
	t.Status = status
	if errMsg != "" {
		t.ErrorMessage = errMsg
	}
	t.CompletedAt = &at
}

// PhaseMarker is the token an agent writes into its step notes when a run
// reaches status. The reconciler advances tasks when it sees one.
func PhaseMarker(status TaskStatus) string {
	return "[phase:" + string(status) + "]"
}

// TaskRequest is what a caller submits to start a task
type TaskRequest struct {
	Backend       string          `json:"backend,omitempty"`
	Objective     Objective       `json:"objective"`
	CredentialIDs []string        `json:"credentialIds,omitempty"`
	Shipping      *ShippingTarget `json:"shipping,omitempty"`
}
