package observer

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore implements Store on a database/sql handle opened with the
// "sqlite3" driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db), nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) UpsertPipelineRun(ctx context.Context, arg UpsertPipelineRunParams) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_run (run_id, name, status, payload)
VALUES (?, ?, 'running', ?)
ON CONFLICT (run_id) DO UPDATE SET
    name = excluded.name,
    status = 'running',
    payload = excluded.payload,
    result = NULL,
    error = NULL,
    finished_at = NULL`,
		arg.RunID, arg.Name, nullText(arg.Payload))
	return err
}

func (s *SQLiteStore) UpdatePipelineRunComplete(ctx context.Context, arg UpdatePipelineRunCompleteParams) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_run
SET status = ?, result = ?, error = ?, finished_at = CURRENT_TIMESTAMP
WHERE run_id = ?`,
		arg.Status, nullText(arg.Result), arg.Error, arg.RunID)
	return err
}

func (s *SQLiteStore) InsertPipelineRunStep(ctx context.Context, arg InsertPipelineRunStepParams) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_run_step (pipeline_run_id, step_index, step_name, input_json)
VALUES (?, ?, ?, ?)`,
		arg.PipelineRunID, arg.StepIndex, arg.StepName, nullText(arg.InputJSON))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) UpdatePipelineRunStep(ctx context.Context, arg UpdatePipelineRunStepParams) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_run_step
SET output_json = ?, status = ?, error = ?, duration_ms = ?
WHERE id = ?`,
		nullText(arg.OutputJSON), arg.Status, arg.Error, arg.DurationMs, arg.ID)
	return err
}

const sqliteRunColumns = `run_id, name, status, payload, result, error, started_at`

func scanSQLiteRun(row interface{ Scan(...any) error }) (PipelineRun, error) {
	var (
		r               PipelineRun
		payload, result sql.NullString
	)
	if err := row.Scan(&r.RunID, &r.Name, &r.Status, &payload, &result, &r.Error, &r.StartedAt); err != nil {
		return PipelineRun{}, err
	}
	if payload.Valid {
		r.Payload = []byte(payload.String)
	}
	if result.Valid {
		r.Result = []byte(result.String)
	}
	return r, nil
}

func (s *SQLiteStore) GetPipelineRun(ctx context.Context, runID string) (PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM pipeline_run WHERE run_id = ?`, runID)
	return scanSQLiteRun(row)
}

func (s *SQLiteStore) ListPipelineRunsByStatus(ctx context.Context, statuses ...string) ([]PipelineRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRunColumns+` FROM pipeline_run
WHERE status IN (?`+strings.Repeat(", ?", len(statuses)-1)+`)
ORDER BY started_at, rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PipelineRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListPipelineRunSteps(ctx context.Context, runID string) ([]PipelineRunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pipeline_run_id, step_index, step_name, status, input_json, output_json, error, duration_ms
FROM pipeline_run_step WHERE pipeline_run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PipelineRunStep
	for rows.Next() {
		var (
			st          PipelineRunStep
			input, outp sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.PipelineRunID, &st.StepIndex, &st.StepName, &st.Status,
			&input, &outp, &st.Error, &st.DurationMs); err != nil {
			return nil, err
		}
		if input.Valid {
			st.InputJSON = []byte(input.String)
		}
		if outp.Valid {
			st.OutputJSON = []byte(outp.String)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetPipelineRunStatus(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pipeline_run SET status = ? WHERE run_id = ?`, status, runID)
	return err
}

func nullText(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: b != nil}
}

var _ Store = (*SQLiteStore)(nil)
