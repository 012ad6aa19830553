// Package db persists finished export jobs in SQLite.
package db

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/job"
)

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository provides database operations for export history.
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database and creates the schema.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Record stores a finished job. Recording the same job twice replaces the
// earlier row.
func (r *Repository) Record(ctx context.Context, j job.Job) error {
	if !j.Status.IsTerminal() {
		return errors.New("only finished jobs can be recorded: " + string(j.Status))
	}

	query := `
		INSERT INTO exports (job_id, vm_name, status, progress, output_dir, output_path, published_to,
		                     poweroff_before, error_kind, error_message, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
		    status = excluded.status, progress = excluded.progress,
		    output_path = excluded.output_path, published_to = excluded.published_to,
		    error_kind = excluded.error_kind, error_message = excluded.error_message,
		    started_at = excluded.started_at, finished_at = excluded.finished_at,
		    recorded_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.ExecContext(ctx, query,
		j.ID, j.VMName, string(j.Status), j.Progress, j.OutputDir, j.OutputPath, j.PublishedTo,
		j.PowerOffBeforeExport, j.ErrorKind, j.Error,
		j.CreatedAt.UTC().Format(timeLayout), formatTime(j.StartedAt), formatTime(j.FinishedAt))
	if err != nil {
		slog.Error("database_record_failed", "job_id", j.ID, "vm", j.VMName, "error", err)
		return errors.Wrap(err, "failed to record export")
	}

	slog.Debug("database_export_recorded", "job_id", j.ID, "vm", j.VMName, "status", j.Status)
	return nil
}

// Get returns the job with the given ID, or nil when it is unknown.
func (r *Repository) Get(ctx context.Context, jobID string) (*job.Job, error) {
	row := r.db.QueryRowContext(ctx, selectExports+` WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", jobID, "error", err)
		return nil, errors.Wrap(err, "failed to query export")
	}
	return j, nil
}

// Recent returns up to limit jobs, most recently finished first. limit <= 0
// returns every row.
func (r *Repository) Recent(ctx context.Context, limit int) ([]job.Job, error) {
	return r.list(ctx, "", limit)
}

// ListByVM returns the history of one VM, most recent first.
func (r *Repository) ListByVM(ctx context.Context, vmName string, limit int) ([]job.Job, error) {
	return r.list(ctx, vmName, limit)
}

// Prune keeps the keep most recent rows and deletes the rest.
func (r *Repository) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM exports WHERE id NOT IN (
			SELECT id FROM exports ORDER BY finished_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		slog.Error("database_prune_failed", "keep", keep, "error", err)
		return 0, errors.Wrap(err, "failed to prune exports")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	slog.Info("database_pruned", "deleted", n, "kept", keep)
	return n, nil
}

const selectExports = `
	SELECT job_id, vm_name, status, progress, output_dir, output_path, published_to,
	       poweroff_before, error_kind, error_message, created_at, started_at, finished_at
	FROM exports`

func (r *Repository) list(ctx context.Context, vmName string, limit int) ([]job.Job, error) {
	query := selectExports
	var args []any
	if vmName != "" {
		query += ` WHERE vm_name = ?`
		args = append(args, vmName)
	}
	query += ` ORDER BY finished_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list exports")
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "export_count", len(jobs))
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*job.Job, error) {
	var (
		j                                  job.Job
		status, createdAt                  string
		outputDir, outputPath, publishedTo sql.NullString
		errorKind, errorMessage            sql.NullString
		startedAt, finishedAt              sql.NullString
	)
	err := s.Scan(&j.ID, &j.VMName, &status, &j.Progress, &outputDir, &outputPath, &publishedTo,
		&j.PowerOffBeforeExport, &errorKind, &errorMessage, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(status)
	j.OutputDir = outputDir.String
	j.OutputPath = outputPath.String
	j.PublishedTo = publishedTo.String
	j.ErrorKind = errorKind.String
	j.Error = errorMessage.String

	if j.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, errors.Wrap(err, "bad created_at")
	}
	if j.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, errors.Wrap(err, "bad started_at")
	}
	if j.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, errors.Wrap(err, "bad finished_at")
	}
	return &j, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
