package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Seed(ctx context.Context, jobs []Job) error {
	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(`
			INSERT INTO munymo.schedule_jobs (name, run_at, weekdays_only, enabled)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO NOTHING
		`, j.Name, j.RunAt, j.WeekdaysOnly, j.Enabled)
	}
	return p.db.SendBatch(ctx, batch).Close()
}

const jobColumns = `name, run_at, weekdays_only, enabled, last_run_on, last_status, last_error`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.Name, &j.RunAt, &j.WeekdaysOnly, &j.Enabled, &j.LastRunOn, &j.LastStatus, &j.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return j, ErrUnknownJob
	}
	return j, err
}

func (p *PGStore) List(ctx context.Context) ([]Job, error) {
	rows, err := p.db.Query(ctx, `SELECT `+jobColumns+` FROM munymo.schedule_jobs ORDER BY run_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PGStore) Claim(ctx context.Context, name string, day time.Time) (bool, error) {
	cmd, err := p.db.Exec(ctx, `
		UPDATE munymo.schedule_jobs
		SET last_run_on = $2, last_status = 'running', last_error = '', updated_at = now()
		WHERE name = $1 AND enabled AND last_run_on IS DISTINCT FROM $2
	`, name, day)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (p *PGStore) Finish(ctx context.Context, name, status, errMsg string) error {
	_, err := p.db.Exec(ctx, `
		UPDATE munymo.schedule_jobs
		SET last_status = $2, last_error = $3, updated_at = now()
		WHERE name = $1
	`, name, status, errMsg)
	return err
}

func (p *PGStore) Update(ctx context.Context, name string, runAt *string, enabled *bool) (Job, error) {
	return scanJob(p.db.QueryRow(ctx, `
		UPDATE munymo.schedule_jobs
		SET run_at = COALESCE($2, run_at),
		    enabled = COALESCE($3, enabled),
		    updated_at = now()
		WHERE name = $1
		RETURNING `+jobColumns, name, runAt, enabled))
}
