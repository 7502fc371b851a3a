package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"discburner/internal/fileutil"
	"discburner/internal/logging"
	"discburner/internal/markers"
	"discburner/internal/services"
)

// monitor polls the robot's status markers while the job is BURNING. It
// returns when the robot finishes, the burn times out, the job leaves BURNING
// or the queue shuts down.
func (q *Queue) monitor(ctx context.Context, job Job) {
	logger := logging.WithContext(ctx, q.logger)
	timeout := time.NewTimer(q.opts.BurnTimeout)
	defer timeout.Stop()
	ticker := time.NewTicker(q.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		if q.pollBurn(ctx, logger, job) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			cause := services.Wrap(services.ErrTimeout, "burn", "monitor", fmt.Sprintf("no completion marker after %s", q.opts.BurnTimeout), nil)
			q.fail(ctx, job, StatusBurning, "Burning timed out", cause)
			return
		case <-ticker.C:
		}
	}
}

// pollBurn reads the markers once and reports whether monitoring is over.
func (q *Queue) pollBurn(ctx context.Context, logger *slog.Logger, job Job) bool {
	cur, ok := q.GetJob(job.ID)
	if !ok || cur.attempt != job.attempt || cur.Status != StatusBurning {
		return true
	}
	status, err := q.reader.Read(cur.ControlFilePath)
	if err != nil {
		logging.WarnWithContext(logger, "marker read failed", "marker_read_failed",
			logging.String("control_file", cur.ControlFilePath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the control folder"),
			logging.String(logging.FieldImpact, "burn status is unknown until the next poll"),
		)
		return false
	}
	logger.Debug("marker status", logging.String("marker_status", string(status)))

	switch status {
	case markers.StatusError:
		cause := services.Wrap(services.ErrExternalTool, "burn", "read markers", "error marker present", nil)
		q.fail(ctx, job, StatusBurning, fmt.Sprintf("Burner responded with error for job %s", job.ID), cause)
		return true
	case markers.StatusDone:
		q.finishBurn(ctx, logger, job)
		return true
	case markers.StatusInProgress:
		q.setProgress(job, StatusBurning, 50, true)
	}
	return false
}

func (q *Queue) finishBurn(ctx context.Context, logger *slog.Logger, owner Job) {
	if !q.commit(ctx, owner, StatusBurning, StatusVerifying, func(j *Job) { j.Progress = 100 }) {
		return
	}
	job, ok := q.GetJob(owner.ID)
	if !ok {
		return
	}
	imagePath, controlPath := job.ImagePath, job.ControlFilePath
	if q.opts.ArchiveDir != "" {
		archived, err := archiveJob(q.opts.ArchiveDir, job)
		if err != nil {
			logging.WarnWithContext(logger, "archiving burned job failed", "archive_failed",
				logging.String("archive_dir", q.opts.ArchiveDir),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check free space and permissions on paths.completed_dir"),
				logging.String(logging.FieldImpact, "job files stay in the working folders"),
			)
		}
		imagePath, controlPath = archived.image, archived.control
	}
	if q.commit(ctx, owner, StatusVerifying, StatusCompleted, func(j *Job) {
		j.Progress = 100
		j.ImagePath = imagePath
		j.ControlFilePath = controlPath
	}) {
		logger.Info("burn completed",
			logging.String("image", imagePath),
			logging.String(logging.FieldEventType, "job_completed"),
		)
	}
}

type archivedPaths struct {
	image   string
	control string
}

// archiveJob moves the image, the control and data files and every marker
// into <dir>/<job id>/. Paths that could not be moved keep their old value.
func archiveJob(dir string, job Job) (archivedPaths, error) {
	out := archivedPaths{image: job.ImagePath, control: job.ControlFilePath}
	dest := filepath.Join(dir, job.ID)
	var errs []error

	move := func(path string) (string, bool) {
		if path == "" || !fileutil.Exists(path) {
			return path, false
		}
		target := filepath.Join(dest, filepath.Base(path))
		if err := fileutil.MoveFile(path, target); err != nil {
			errs = append(errs, fmt.Errorf("move %s: %w", path, err))
			return path, false
		}
		return target, true
	}

	if job.ControlFilePath != "" {
		found, err := markers.Matches(job.ControlFilePath)
		if err != nil {
			errs = append(errs, err)
		}
		for _, ext := range []string{markers.ExtError, markers.ExtDone, markers.ExtInProgress} {
			for _, path := range found[ext] {
				move(path)
			}
		}
		move(dataFilePath(job.ControlFilePath))
	}
	if target, ok := move(job.ControlFilePath); ok {
		out.control = target
	}
	if target, ok := move(job.ImagePath); ok {
		out.image = target
	}
	return out, errors.Join(errs...)
}
