package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrape-flow/workflow"
)

// Pipeline is a stored configuration row.
type Pipeline struct {
	Name      string    `json:"name"`
	Config    []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SavePipeline validates raw and upserts it under name.
func (s *Store) SavePipeline(ctx context.Context, name string, raw []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("pipeline name cannot be empty")
	}
	if _, err := workflow.Validate(raw); err != nil {
		return err
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (name, config, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at
	`, name, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("failed to save pipeline %q: %w", name, err)
	}
	return nil
}

// GetPipeline returns the named row or ErrNotFound.
func (s *Store) GetPipeline(ctx context.Context, name string) (*Pipeline, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var (
		p                Pipeline
		cfg              string
		created, updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, config, created_at, updated_at FROM pipelines WHERE name = ?`, name,
	).Scan(&p.Name, &cfg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %q: %w", name, err)
	}
	p.Config = []byte(cfg)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// ListPipelines returns every row ordered by name, without configs.
func (s *Store) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at, updated_at FROM pipelines ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var out []Pipeline
	for rows.Next() {
		var (
			p                Pipeline
			created, updated string
		)
		if err := rows.Scan(&p.Name, &created, &updated); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePipeline removes the named row. Run history is kept.
func (s *Store) DeletePipeline(ctx context.Context, name string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pipeline %q: %w", name, ErrNotFound)
	}
	return nil
}
