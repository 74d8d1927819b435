package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/reencode/internal/domain"
	"github.com/bnema/reencode/internal/port"
)

const jobColumns = `id, source_file, output_file, mode, settings, status,
	progress_percent, eta_seconds, current_fps, created_at, started_at,
	completed_at, error_message, log`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j           domain.Job
		mode        string
		status      string
		eta         sql.NullInt64
		fps         sql.NullFloat64
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
	)
	err := row.Scan(&j.ID, &j.SourceFile, &j.OutputFile, &mode, &j.Settings, &status,
		&j.ProgressPercent, &eta, &fps, &j.CreatedAt, &startedAt,
		&completedAt, &errMsg, &j.Log)
	if err != nil {
		return nil, err
	}

	j.Mode = domain.Mode(mode)
	j.Status = domain.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	if eta.Valid {
		j.ETASeconds = &eta.Int64
	}
	if fps.Valid {
		j.CurrentFPS = &fps.Float64
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	return &j, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func (s *Store) Create(j *domain.Job) error {
	ctx := context.Background()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (source_file, output_file, mode, settings, status,
			progress_percent, eta_seconds, current_fps, created_at, started_at,
			completed_at, error_message, log)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.SourceFile, j.OutputFile, string(j.Mode), j.Settings, string(j.Status),
		j.ProgressPercent, nullable(j.ETASeconds), nullable(j.CurrentFPS), j.CreatedAt.UTC(),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullable(j.ErrorMessage), j.Log)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	j.ID = id
	return nil
}

func (s *Store) Get(id int64) (*domain.Job, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *Store) Update(j *domain.Job) error {
	ctx := context.Background()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET source_file = ?, output_file = ?, mode = ?, settings = ?,
			status = ?, progress_percent = ?, eta_seconds = ?, current_fps = ?,
			started_at = ?, completed_at = ?, error_message = ?, log = ?
		WHERE id = ?`,
		j.SourceFile, j.OutputFile, string(j.Mode), j.Settings, string(j.Status),
		j.ProgressPercent, nullable(j.ETASeconds), nullable(j.CurrentFPS),
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullable(j.ErrorMessage), j.Log,
		j.ID)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	return requireRow(res)
}

func (s *Store) UpdateProgress(id int64, snap domain.Snapshot) error {
	ctx := context.Background()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress_percent = ?, eta_seconds = ?, current_fps = ?, log = ?
		WHERE id = ?`,
		snap.Percent, snap.ETASeconds, snap.FPS, snap.CurrentLog, id)
	if err != nil {
		return fmt.Errorf("update progress of job %d: %w", id, err)
	}
	return requireRow(res)
}

func (s *Store) Delete(id int64) error {
	ctx := context.Background()
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) List(filter port.ListFilter) ([]*domain.Job, int, error) {
	ctx := context.Background()

	where, args := "", []any{}
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	jobs, err := s.query(ctx, query, append(args, limit, max(filter.Offset, 0))...)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *Store) ListByStatus(statuses ...domain.JobStatus) ([]*domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	in, args := statusSet(statuses)
	return s.query(context.Background(),
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+in+`) ORDER BY created_at ASC, id ASC`,
		args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func statusSet(statuses []domain.JobStatus) (string, []any) {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", "), args
}

func (s *Store) DeleteByStatus(statuses ...domain.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	in, args := statusSet(statuses)
	return s.exec(`DELETE FROM jobs WHERE status IN (`+in+`)`, args...)
}

func (s *Store) DeleteAll() (int64, error) {
	return s.exec(`DELETE FROM jobs`)
}

func (s *Store) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	in, args := statusSet(domain.FinishedStatuses)
	return s.exec(`DELETE FROM jobs WHERE status IN (`+in+`) AND completed_at IS NOT NULL AND completed_at < ?`,
		append(args, cutoff.UTC())...)
}

func (s *Store) exec(query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(context.Background(), query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}

var _ port.JobStore = (*Store)(nil)
