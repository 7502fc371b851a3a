package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"discburner/internal/fileutil"
	"discburner/internal/logging"
	"discburner/internal/markers"
	"discburner/internal/services"
)

// stage describes how StartProcessing advances a job out of a status. A nil
// run means the transition is pure and completes synchronously.
type stage struct {
	name   string
	enters Status
	run    func(q *Queue, ctx context.Context, job Job)
}

// dispatch maps a job's current status to the stage that moves it forward.
var dispatch = map[Status]stage{
	StatusPending:          {name: "download", enters: StatusDownloading, run: (*Queue).download},
	StatusDownloaded:       {name: "generate", enters: StatusGeneratingControlFile, run: (*Queue).generate},
	StatusControlFileReady: {name: "queue_for_burn", enters: StatusQueuedForBurn},
	StatusQueuedForBurn:    {name: "burn", enters: StatusBurning, run: (*Queue).monitor},
}

func (q *Queue) download(ctx context.Context, job Job) {
	logger := logging.WithContext(ctx, q.logger)
	sampler := logging.NewProgressSampler(10)
	progress := func(downloaded, total int64) {
		percent, sample := sampler.Sample(downloaded, total)
		if !q.setProgress(job, StatusDownloading, percent, sample) {
			return
		}
		if sample {
			logger.Info("download progress",
				logging.Float64("percent", percent),
				logging.Int64("bytes", downloaded),
				logging.Int64("total_bytes", total),
			)
		}
	}

	result, err := q.fetcher.Fetch(ctx, job.Source, progress)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, services.ErrCancelled) {
			logger.Info("download aborted", logging.Error(err))
			return
		}
		q.fail(ctx, job, StatusDownloading, services.Message(err), err)
		return
	}

	class, err := ClassifyDisc(result.Size)
	if err != nil {
		if _, rmErr := fileutil.RemoveIfExists(result.Path); rmErr != nil {
			logger.Warn("oversized image could not be removed", logging.String("path", result.Path), logging.Error(rmErr))
		}
		cause := services.Wrap(services.ErrValidation, "download", "classify disc", fmt.Sprintf("%d bytes", result.Size), err)
		q.fail(ctx, job, StatusDownloading, err.Error(), cause)
		return
	}

	if q.commit(ctx, job, StatusDownloading, StatusDownloaded, func(j *Job) {
		j.ImagePath = result.Path
		j.DiscClass = class
		j.Progress = 100
	}) {
		logger.Info("download complete",
			logging.String("path", result.Path),
			logging.Int64("bytes", result.Size),
			logging.String("disc_class", string(class)),
			logging.String(logging.FieldEventType, "stage_complete"),
		)
	}
}

func (q *Queue) generate(ctx context.Context, job Job) {
	logger := logging.WithContext(ctx, q.logger)
	path, err := q.generator.Generate(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("control file generation aborted", logging.Error(err))
			return
		}
		q.fail(ctx, job, StatusGeneratingControlFile, "control file generation failed: "+services.Message(err), err)
		return
	}
	if q.commit(ctx, job, StatusGeneratingControlFile, StatusControlFileReady, func(j *Job) {
		j.ControlFilePath = path
		j.Progress = 100
	}) {
		logger.Info("control file ready",
			logging.String("path", path),
			logging.String(logging.FieldEventType, "stage_complete"),
		)
	}
}

// dataFilePath returns the companion data file written next to a control file.
func dataFilePath(controlFile string) string {
	if controlFile == "" {
		return ""
	}
	return strings.TrimSuffix(controlFile, filepath.Ext(controlFile)) + ".data"
}

// removeArtifacts deletes the files a previous attempt produced.
func removeArtifacts(job Job) (int, error) {
	removed := 0
	var errs []error
	for _, path := range []string{job.ImagePath, job.ControlFilePath, dataFilePath(job.ControlFilePath)} {
		ok, err := fileutil.RemoveIfExists(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	if job.ControlFilePath != "" {
		n, err := markers.RemoveMarkers(job.ControlFilePath)
		removed += n
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}
