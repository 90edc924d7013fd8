package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/scrape-flow/pipeline"
	"github.com/scrape-flow/workflow"
)

// RecordRun stores a finished run. It satisfies pipeline.Recorder.
func (s *Store) RecordRun(ctx context.Context, res *pipeline.Result) error {
	if err := s.ready(); err != nil {
		return err
	}
	targets, err := json.Marshal(res.Targets)
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}
	var failedIndex sql.NullInt64
	if res.FailedIndex != nil {
		failedIndex = sql.NullInt64{Int64: int64(*res.FailedIndex), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, status, failed_index, failed_kind, error_kind, error, targets, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		res.RunID, res.Pipeline, string(res.Status), failedIndex, string(res.FailedKind),
		res.ErrorKind, res.Error, string(targets), formatTime(res.StartedAt), formatTime(res.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", res.RunID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs of a pipeline, newest first.
func (s *Store) RecentRuns(ctx context.Context, name string, limit int) ([]*pipeline.Result, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline, status, failed_index, failed_kind, error_kind, error, targets, started_at, finished_at
		FROM runs WHERE pipeline = ? ORDER BY started_at DESC LIMIT ?
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Result
	for rows.Next() {
		var (
			r                 pipeline.Result
			status, kind      string
			failedIndex       sql.NullInt64
			targets           string
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &r.Pipeline, &status, &failedIndex, &kind, &r.ErrorKind, &r.Error,
			&targets, &started, &finished); err != nil {
			return nil, err
		}
		r.Status = pipeline.Status(status)
		r.FailedKind = workflow.ActionKind(kind)
		if failedIndex.Valid {
			idx := int(failedIndex.Int64)
			r.FailedIndex = &idx
		}
		if err := json.Unmarshal([]byte(targets), &r.Targets); err != nil {
			return nil, fmt.Errorf("failed to decode targets of run %s: %w", r.RunID, err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, &r)
	}
	return out, rows.Err()
}
