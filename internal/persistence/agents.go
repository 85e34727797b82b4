package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/droidrunner/internal/scheduler"
)

// LoadAgentStates returns every droid run state in saved order.
func (s *SQLiteStore) LoadAgentStates(ctx context.Context) ([]*scheduler.AgentRunState, error) {
	var states []*scheduler.AgentRunState
	err := s.query(ctx, func(ctx context.Context) error {
		states = states[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT data FROM agent_states ORDER BY position`)
		if err != nil {
			return fmt.Errorf("failed to query agent states: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				return fmt.Errorf("failed to scan agent state: %w", err)
			}
			state := &scheduler.AgentRunState{}
			if err := json.Unmarshal([]byte(data), state); err != nil {
				return fmt.Errorf("failed to decode agent state: %w", err)
			}
			if state.QueuedTaskIDs == nil {
				state.QueuedTaskIDs = []string{}
			}
			states = append(states, state)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating agent states: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// SaveAgentStates replaces all droid run states.
func (s *SQLiteStore) SaveAgentStates(ctx context.Context, states []*scheduler.AgentRunState) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_states`); err != nil {
			return fmt.Errorf("failed to clear agent states: %w", err)
		}
		for i, state := range states {
			data, err := json.Marshal(state)
			if err != nil {
				return fmt.Errorf("failed to encode agent state %s: %w", state.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_states (id, position, data)
				VALUES (?, ?, ?)
			`, state.ID, i, string(data)); err != nil {
				return fmt.Errorf("failed to insert agent state %s: %w", state.ID, err)
			}
		}
		return nil
	})
}
