package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/droidrunner/internal/scheduler"
)

// ListProjects returns all projects ordered by name.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]scheduler.Project, error) {
	var projects []scheduler.Project
	err := s.query(ctx, func(ctx context.Context) error {
		projects = projects[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT id, name, path FROM projects ORDER BY name, id`)
		if err != nil {
			return fmt.Errorf("failed to query projects: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var p scheduler.Project
			if err := rows.Scan(&p.ID, &p.Name, &p.Path); err != nil {
				return fmt.Errorf("failed to scan project: %w", err)
			}
			projects = append(projects, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject returns one project or ErrNotFound.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (scheduler.Project, error) {
	var p scheduler.Project
	err := s.query(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT id, name, path FROM projects WHERE id = ?`, id).
			Scan(&p.ID, &p.Name, &p.Path)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("project %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("failed to query project: %w", err)
	}
	return p, nil
}

// SaveProject inserts or updates a project.
func (s *SQLiteStore) SaveProject(ctx context.Context, p scheduler.Project) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, path)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				path = excluded.path
		`, p.ID, p.Name, p.Path)
		if err != nil {
			return fmt.Errorf("failed to save project: %w", err)
		}
		return nil
	})
}

// ListDroids returns all droid definitions ordered by id.
func (s *SQLiteStore) ListDroids(ctx context.Context) ([]scheduler.AgentDefinition, error) {
	var droids []scheduler.AgentDefinition
	err := s.query(ctx, func(ctx context.Context) error {
		droids = droids[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT data FROM droids ORDER BY id`)
		if err != nil {
			return fmt.Errorf("failed to query droids: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				return fmt.Errorf("failed to scan droid: %w", err)
			}
			var d scheduler.AgentDefinition
			if err := json.Unmarshal([]byte(data), &d); err != nil {
				return fmt.Errorf("failed to decode droid: %w", err)
			}
			droids = append(droids, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return droids, nil
}

// GetDroid returns one droid definition or ErrNotFound.
func (s *SQLiteStore) GetDroid(ctx context.Context, id string) (scheduler.AgentDefinition, error) {
	var d scheduler.AgentDefinition
	var data string
	err := s.query(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `SELECT data FROM droids WHERE id = ?`, id).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("droid %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("failed to query droid: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return d, fmt.Errorf("failed to decode droid: %w", err)
	}
	return d, nil
}

// SaveDroid inserts or updates a droid definition.
func (s *SQLiteStore) SaveDroid(ctx context.Context, d scheduler.AgentDefinition) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode droid: %w", err)
	}
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO droids (id, data, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				data = excluded.data,
				updated_at = CURRENT_TIMESTAMP
		`, d.ID, string(data))
		if err != nil {
			return fmt.Errorf("failed to save droid: %w", err)
		}
		return nil
	})
}
