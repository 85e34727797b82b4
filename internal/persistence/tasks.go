package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/droidrunner/internal/scheduler"
)

// LoadPending returns every non-terminal task in saved order.
func (s *SQLiteStore) LoadPending(ctx context.Context) ([]*scheduler.Task, error) {
	return s.loadTasks(ctx, collectionPending)
}

// SavePending replaces the pending collection.
func (s *SQLiteStore) SavePending(ctx context.Context, tasks []*scheduler.Task) error {
	return s.replaceTasks(ctx, collectionPending, tasks)
}

// LoadHistory returns finished tasks, oldest first.
func (s *SQLiteStore) LoadHistory(ctx context.Context) ([]*scheduler.Task, error) {
	return s.loadTasks(ctx, collectionHistory)
}

// SaveHistory replaces the history collection, keeping only the newest
// MaxHistory entries. When an id occurs more than once the last one wins.
func (s *SQLiteStore) SaveHistory(ctx context.Context, tasks []*scheduler.Task) error {
	return s.replaceTasks(ctx, collectionHistory, trimHistory(tasks))
}

func trimHistory(tasks []*scheduler.Task) []*scheduler.Task {
	seen := make(map[string]bool, len(tasks))
	kept := make([]*scheduler.Task, 0, min(len(tasks), MaxHistory))
	for i := len(tasks) - 1; i >= 0 && len(kept) < MaxHistory; i-- {
		t := tasks[i]
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		kept = append(kept, t)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func (s *SQLiteStore) loadTasks(ctx context.Context, collection string) ([]*scheduler.Task, error) {
	var tasks []*scheduler.Task
	err := s.query(ctx, func(ctx context.Context) error {
		tasks = tasks[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT data
			FROM tasks
			WHERE collection = ?
			ORDER BY position
		`, collection)
		if err != nil {
			return fmt.Errorf("failed to query %s tasks: %w", collection, err)
		}
		defer rows.Close()

		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				return fmt.Errorf("failed to scan task: %w", err)
			}
			task := &scheduler.Task{}
			if err := json.Unmarshal([]byte(data), task); err != nil {
				return fmt.Errorf("failed to decode task: %w", err)
			}
			tasks = append(tasks, task)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *SQLiteStore) replaceTasks(ctx context.Context, collection string, tasks []*scheduler.Task) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE collection = ?`, collection); err != nil {
			return fmt.Errorf("failed to clear %s tasks: %w", collection, err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (collection, id, position, status, droid_id, data)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare task insert: %w", err)
		}
		defer stmt.Close()

		for i, task := range tasks {
			data, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, collection, task.ID, i, string(task.Status), task.DroidID, string(data)); err != nil {
				return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
			}
		}
		return nil
	})
}
