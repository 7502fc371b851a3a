package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"discburner/internal/queue"
)

// SaveJob inserts a job or replaces every column of an existing row.
func (s *Store) SaveJob(ctx context.Context, job queue.Job) error {
	if job.ID == "" {
		return errors.New("job id is empty")
	}
	extra, err := extraToJSON(job.Source.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra metadata: %w", err)
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO burn_jobs (`+jobColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             source_id = excluded.source_id, filename = excluded.filename,
             file_size = excluded.file_size, download_url = excluded.download_url,
             checksum = excluded.checksum, patient_name = excluded.patient_name,
             patient_id = excluded.patient_id, patient_birth_date = excluded.patient_birth_date,
             study_date_time = excluded.study_date_time, study_description = excluded.study_description,
             extra_json = excluded.extra_json, status = excluded.status,
             image_path = excluded.image_path, control_file_path = excluded.control_file_path,
             progress = excluded.progress, error_message = excluded.error_message,
             retry_count = excluded.retry_count, disc_class = excluded.disc_class,
             notification_sent = excluded.notification_sent, updated_at = excluded.updated_at`,
		job.ID,
		job.Source.ID,
		nullableString(job.Source.Filename),
		nullableInt(job.Source.FileSize),
		nullableString(job.Source.DownloadURL),
		nullableString(job.Source.Checksum),
		nullableString(job.Source.PatientName),
		nullableString(job.Source.PatientID),
		nullableString(job.Source.PatientBirthDate),
		nullableString(job.Source.StudyDateTime),
		nullableString(job.Source.StudyDescription),
		extra,
		string(job.Status),
		nullableString(job.ImagePath),
		nullableString(job.ControlFilePath),
		job.Progress,
		nullableString(job.ErrorMessage),
		job.RetryCount,
		nullableString(string(job.DiscClass)),
		boolToInt(job.NotificationSent),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// UpdateJobState writes the mutable columns of a job. It reports false when
// no row exists for the job.
func (s *Store) UpdateJobState(ctx context.Context, job queue.Job) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE burn_jobs
         SET status = ?, image_path = ?, control_file_path = ?, progress = ?,
             error_message = ?, retry_count = ?, disc_class = ?, notification_sent = ?,
             updated_at = ?
         WHERE id = ?`,
		string(job.Status),
		nullableString(job.ImagePath),
		nullableString(job.ControlFilePath),
		job.Progress,
		nullableString(job.ErrorMessage),
		job.RetryCount,
		nullableString(string(job.DiscClass)),
		boolToInt(job.NotificationSent),
		formatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update job state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetJob fetches a job by identifier. A missing job returns nil without error.
func (s *Store) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM burn_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// FindBySourceID returns the oldest job created for a catalog item.
func (s *Store) FindBySourceID(ctx context.Context, sourceID string) (*queue.Job, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM burn_jobs WHERE source_id = ? ORDER BY created_at LIMIT 1`,
		sourceID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by source id: %w", err)
	}
	return &job, nil
}

// GetAllJobs returns every job ordered by creation time.
func (s *Store) GetAllJobs(ctx context.Context) ([]queue.Job, error) {
	return s.ListJobs(ctx)
}

// ListJobs returns jobs filtered by status set (or all jobs when no status is provided).
func (s *Store) ListJobs(ctx context.Context, statuses ...queue.Status) ([]queue.Job, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM burn_jobs`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = string(status)
		}
		query := baseQuery + ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CleanupOldJobs deletes completed and failed jobs not updated within the
// last maxAgeDays days.
func (s *Store) CleanupOldJobs(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, fmt.Errorf("max age must be positive, got %d", maxAgeDays)
	}
	cutoff := s.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM burn_jobs WHERE status IN (?, ?) AND updated_at < ?`,
		string(queue.StatusCompleted),
		string(queue.StatusFailed),
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetInterrupted rolls jobs left in an in-flight status by a crash back to
// the status their stage restarts from.
func (s *Store) ResetInterrupted(ctx context.Context) (int64, error) {
	rollbacks := queue.RestartRollbacks()
	if len(rollbacks) == 0 {
		return 0, nil
	}
	query := `UPDATE burn_jobs SET status = CASE status`
	args := make([]any, 0, len(rollbacks)*3+1)
	froms := make([]any, 0, len(rollbacks))
	for _, from := range queue.AllStatuses() {
		to, ok := rollbacks[from]
		if !ok {
			continue
		}
		query += ` WHEN ? THEN ?`
		args = append(args, string(from), string(to))
		froms = append(froms, string(from))
	}
	query += ` ELSE status END, progress = 0, notification_sent = 0, updated_at = ?
         WHERE status IN (` + makePlaceholders(len(froms)) + `)`
	args = append(args, formatTime(s.now()))
	args = append(args, froms...)

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}
