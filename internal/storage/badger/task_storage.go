package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
	"github.com/shehryarbajwa/browserpilot/internal/storage"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// ownerGate is rewritten by every task insert for an owner. Badger tracks
// the read of this key, so two concurrent inserts for the same owner cannot
// both commit: the loser gets ErrConflict and re-counts.
type ownerGate struct {
	OwnerID   string
	Inserts   uint64
	UpdatedAt time.Time
}

// TaskStorage persists AutomationTask records
type TaskStorage struct {
	db *BadgerDB
}

var _ storage.TaskStorage = (*TaskStorage)(nil)

func activeStatuses() []interface{} {
	out := make([]interface{}, len(models.ActiveTaskStatuses))
	for i, s := range models.ActiveTaskStatuses {
		out[i] = s
	}
	return out
}

func activeQuery(ownerID string) *badgerhold.Query {
	return badgerhold.Where("OwnerID").Eq(ownerID).And("Status").In(activeStatuses()...)
}

func (s *TaskStorage) InsertTaskWithinLimit(ctx context.Context, task *models.AutomationTask, limit int) error {
	if task.ID == "" || task.OwnerID == "" {
		return fmt.Errorf("task id and owner id are required: %w", apperrors.ErrInvalidRequest)
	}

	return s.db.update(func(txn *badger.Txn) error {
		var gate ownerGate
		if err := s.db.Store().TxGet(txn, task.OwnerID, &gate); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}

		count, err := s.db.Store().TxCount(txn, &models.AutomationTask{}, activeQuery(task.OwnerID))
		if err != nil {
			return fmt.Errorf("failed to count active tasks: %w", err)
		}
		if int(count) >= limit {
			return fmt.Errorf("owner %s has %d active tasks (limit %d): %w", task.OwnerID, count, limit, apperrors.ErrConcurrencyLimitExceeded)
		}

		if err := s.db.Store().TxInsert(txn, task.ID, task); err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		gate.OwnerID = task.OwnerID
		gate.Inserts++
		gate.UpdatedAt = time.Now().UTC()
		return s.db.Store().TxUpsert(txn, task.OwnerID, &gate)
	})
}

func (s *TaskStorage) GetTask(ctx context.Context, taskID string) (*models.AutomationTask, error) {
	var task models.AutomationTask
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) UpdateTask(ctx context.Context, taskID string, fn storage.Mutator[models.AutomationTask]) (*models.AutomationTask, error) {
	var task models.AutomationTask
	err := s.db.update(func(txn *badger.Txn) error {
		task = models.AutomationTask{}
		if err := s.db.Store().TxGet(txn, taskID, &task); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("task %s: %w", taskID, apperrors.ErrNotFound)
			}
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		return s.db.Store().TxUpdate(txn, taskID, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *TaskStorage) ListTasks(ctx context.Context, ownerID string, limit int) ([]*models.AutomationTask, error) {
	query := badgerhold.Where("OwnerID").Eq(ownerID).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	return s.find(query)
}

func (s *TaskStorage) ListActiveTasks(ctx context.Context, ownerID string) ([]*models.AutomationTask, error) {
	return s.find(activeQuery(ownerID).SortBy("CreatedAt"))
}

func (s *TaskStorage) CountActiveTasks(ctx context.Context, ownerID string) (int, error) {
	count, err := s.db.Store().Count(&models.AutomationTask{}, activeQuery(ownerID))
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return int(count), nil
}

func (s *TaskStorage) ListOwnersWithActiveTasks(ctx context.Context) ([]string, error) {
	tasks, err := s.find(badgerhold.Where("Status").In(activeStatuses()...))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	owners := make([]string, 0)
	for _, t := range tasks {
		if _, ok := seen[t.OwnerID]; ok {
			continue
		}
		seen[t.OwnerID] = struct{}{}
		owners = append(owners, t.OwnerID)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *TaskStorage) find(query *badgerhold.Query) ([]*models.AutomationTask, error) {
	var tasks []models.AutomationTask
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	result := make([]*models.AutomationTask, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}
