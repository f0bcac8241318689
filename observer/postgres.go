package observer

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore { return &PostgresStore{pool: pool} }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) UpsertPipelineRun(ctx context.Context, arg UpsertPipelineRunParams) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO pipeline_run (run_id, name, status, payload)
VALUES ($1, $2, 'running', $3)
ON CONFLICT (run_id) DO UPDATE SET
    name = EXCLUDED.name,
    status = 'running',
    payload = EXCLUDED.payload,
    result = NULL,
    error = NULL,
    finished_at = NULL`,
		arg.RunID, arg.Name, arg.Payload)
	return err
}

func (s *PostgresStore) UpdatePipelineRunComplete(ctx context.Context, arg UpdatePipelineRunCompleteParams) error {
	_, err := s.pool.Exec(ctx, `
UPDATE pipeline_run
SET status = $2, result = $3, error = $4, finished_at = now()
WHERE run_id = $1`,
		arg.RunID, arg.Status, arg.Result, arg.Error)
	return err
}

func (s *PostgresStore) InsertPipelineRunStep(ctx context.Context, arg InsertPipelineRunStepParams) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO pipeline_run_step (pipeline_run_id, step_index, step_name, input_json)
VALUES ($1, $2, $3, $4)
RETURNING id`,
		arg.PipelineRunID, arg.StepIndex, arg.StepName, arg.InputJSON).Scan(&id)
	return id, err
}

func (s *PostgresStore) UpdatePipelineRunStep(ctx context.Context, arg UpdatePipelineRunStepParams) error {
	_, err := s.pool.Exec(ctx, `
UPDATE pipeline_run_step
SET output_json = $2, status = $3, error = $4, duration_ms = $5
WHERE id = $1`,
		arg.ID, arg.OutputJSON, arg.Status, arg.Error, arg.DurationMs)
	return err
}

const postgresRunColumns = `run_id, name, status, payload, result, error, started_at`

func scanPostgresRun(row pgx.Row) (PipelineRun, error) {
	var r PipelineRun
	err := row.Scan(&r.RunID, &r.Name, &r.Status, &r.Payload, &r.Result, &r.Error, &r.StartedAt)
	return r, err
}

func (s *PostgresStore) GetPipelineRun(ctx context.Context, runID string) (PipelineRun, error) {
	return scanPostgresRun(s.pool.QueryRow(ctx, `SELECT `+postgresRunColumns+` FROM pipeline_run WHERE run_id = $1`, runID))
}

func (s *PostgresStore) ListPipelineRunsByStatus(ctx context.Context, statuses ...string) ([]PipelineRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+postgresRunColumns+` FROM pipeline_run
WHERE status = ANY($1)
ORDER BY started_at, run_id`, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PipelineRun
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPipelineRunSteps(ctx context.Context, runID string) ([]PipelineRunStep, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, pipeline_run_id, step_index, step_name, status, input_json, output_json, error, duration_ms
FROM pipeline_run_step WHERE pipeline_run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (PipelineRunStep, error) {
		var st PipelineRunStep
		err := row.Scan(&st.ID, &st.PipelineRunID, &st.StepIndex, &st.StepName, &st.Status,
			&st.InputJSON, &st.OutputJSON, &st.Error, &st.DurationMs)
		return st, err
	})
}

func (s *PostgresStore) SetPipelineRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.pool.Exec(ctx, `UPDATE pipeline_run SET status = $2 WHERE run_id = $1`, runID, status)
	return err
}

var _ Store = (*PostgresStore)(nil)
