package reconciler

import (
	"strings"

	"github.com/shehryarbajwa/browserpilot/internal/engine/bridge"
	"github.com/shehryarbajwa/browserpilot/internal/engine/browseruse"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Bucket is the coarse outcome a backend status maps onto
type Bucket int

const (
	// BucketActive covers every non-final status, including unknown ones
	BucketActive Bucket = iota
	BucketCompleted
	BucketFailed
	BucketCancelled
)

func (b Bucket) String() string {
	switch b {
	case BucketCompleted:
		return "completed"
	case BucketFailed:
		return "failed"
	case BucketCancelled:
		return "cancelled"
	default:
		return "active"
	}
}

// StatusTable maps one backend's status vocabulary onto buckets
type StatusTable map[string]Bucket

// DefaultTables returns the status tables of the built-in backends
func DefaultTables() map[string]StatusTable {
	return map[string]StatusTable{
		browseruse.Name: {
			browseruse.StatusCreated:  BucketActive,
			browseruse.StatusStarted:  BucketActive,
			browseruse.StatusPaused:   BucketActive,
			browseruse.StatusFinished: BucketCompleted,
			browseruse.StatusStopped:  BucketCancelled,
			browseruse.StatusFailed:   BucketFailed,
		},
		bridge.Name: {
			bridge.StatusQueued:    BucketActive,
			bridge.StatusRunning:   BucketActive,
			bridge.StatusSucceeded: BucketCompleted,
			bridge.StatusErrored:   BucketFailed,
			bridge.StatusCancelled: BucketCancelled,
		},
	}
}

// Map returns the bucket for status. Anything not in the table stays active.
func (t StatusTable) Map(status string) Bucket {
	if b, ok := t[strings.ToLower(strings.TrimSpace(status))]; ok {
		return b
	}
	return BucketActive
}

// phaseFromText returns the furthest phase marker present in any of texts
func phaseFromText(texts ...string) models.TaskStatus {
	phase := models.TaskSearching
	for _, candidate := range []models.TaskStatus{models.TaskFoundDeal, models.TaskCheckout} {
		marker := models.PhaseMarker(candidate)
		for _, text := range texts {
			if strings.Contains(text, marker) {
				phase = candidate
				break
			}
		}
	}
	return phase
}
