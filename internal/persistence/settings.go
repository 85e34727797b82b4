package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/droidrunner/internal/config"
)

const schedulerConfigKey = "scheduler_config"

// LoadSchedulerConfig returns the persisted scheduler policy laid over the
// defaults. found is false when nothing has been saved yet.
func (s *SQLiteStore) LoadSchedulerConfig(ctx context.Context) (cfg config.SchedulerConfig, found bool, err error) {
	cfg = config.DefaultSchedulerConfig()

	var value string
	err = s.query(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, schedulerConfigKey).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("failed to query scheduler config: %w", err)
	}

	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		return config.DefaultSchedulerConfig(), false, fmt.Errorf("failed to decode scheduler config: %w", err)
	}
	return cfg, true, nil
}

// SaveSchedulerConfig persists the scheduler policy.
func (s *SQLiteStore) SaveSchedulerConfig(ctx context.Context, cfg config.SchedulerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode scheduler config: %w", err)
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP
		`, schedulerConfigKey, string(data))
		if err != nil {
			return fmt.Errorf("failed to save scheduler config: %w", err)
		}
		return nil
	})
}
