package api

import (
	"time"

	"discburner/internal/queue"
	"discburner/internal/scheduler"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobView describes a burn job in a transport-friendly format.
type JobView struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	SourceID         string  `json:"sourceId"`
	Filename         string  `json:"filename,omitempty"`
	FileSize         int64   `json:"fileSize,omitempty"`
	DownloadURL      string  `json:"downloadUrl,omitempty"`
	Checksum         string  `json:"checksum,omitempty"`
	PatientName      string  `json:"patientName,omitempty"`
	PatientID        string  `json:"patientId,omitempty"`
	StudyDateTime    string  `json:"studyDateTime,omitempty"`
	StudyDescription string  `json:"studyDescription,omitempty"`
	ImagePath        string  `json:"imagePath,omitempty"`
	ControlFilePath  string  `json:"controlFilePath,omitempty"`
	DiscClass        string  `json:"discClass,omitempty"`
	MediaType        string  `json:"mediaType,omitempty"`
	Progress         float64 `json:"progress"`
	ErrorMessage     string  `json:"errorMessage,omitempty"`
	RetryCount       int     `json:"retryCount"`
	NotificationSent bool    `json:"notificationSent"`
	CreatedAt        string  `json:"createdAt,omitempty"`
	UpdatedAt        string  `json:"updatedAt,omitempty"`
}

// QueueCounts mirrors queue.QueueStatus.
type QueueCounts struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Downloading   int `json:"downloading"`
	Burning       int `json:"burning"`
	Verifying     int `json:"verifying"`
	Ready         int `json:"ready"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	QueueLength   int `json:"queueLength"`
	ActiveSlots   int `json:"activeSlots"`
	MaxConcurrent int `json:"maxConcurrent"`
	Handlers      int `json:"handlers"`
}

// StorageStats summarizes the job database.
type StorageStats struct {
	TotalJobs      int            `json:"totalJobs"`
	ByStatus       map[string]int `json:"byStatus,omitempty"`
	PendingJobs    int            `json:"pendingJobs"`
	CompletedJobs  int            `json:"completedJobs"`
	FailedJobs     int            `json:"failedJobs"`
	DatabaseSizeMB float64        `json:"databaseSizeMb"`
	Backups        int            `json:"backups"`
	LastBackup     string         `json:"lastBackup,omitempty"`
}

// DownloadStats summarizes the fetcher history.
type DownloadStats struct {
	ActiveDownloads    int     `json:"activeDownloads"`
	CompletedDownloads int     `json:"completedDownloads"`
	SuccessRate        float64 `json:"successRate"`
	TotalBytes         int64   `json:"totalBytes"`
}

// TaskView describes one periodic scheduler task.
type TaskView struct {
	Name      string `json:"name"`
	Interval  string `json:"interval"`
	NextRun   string `json:"nextRun,omitempty"`
	LastRun   string `json:"lastRun,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// WorkerStatus summarizes the scheduler.
type WorkerStatus struct {
	Running        bool           `json:"running"`
	Paused         bool           `json:"paused"`
	PausedUntil    string         `json:"pausedUntil,omitempty"`
	LastCheck      string         `json:"lastCheck,omitempty"`
	NextCheckIn    *int           `json:"nextCheckIn,omitempty"`
	Queue          QueueCounts    `json:"queue"`
	Storage        *StorageStats  `json:"storage,omitempty"`
	Downloads      *DownloadStats `json:"downloads,omitempty"`
	ScheduledTasks int            `json:"scheduledTasks"`
	Tasks          []TaskView     `json:"tasks,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
}

// DaemonStatus is returned by GET /api/status.
type DaemonStatus struct {
	Running      bool         `json:"running"`
	PID          int          `json:"pid"`
	DatabasePath string       `json:"databasePath"`
	LockFilePath string       `json:"lockFilePath"`
	Worker       WorkerStatus `json:"worker"`
}

// JobListResponse is returned by GET /api/jobs.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job JobView `json:"job"`
}

// AddJobRequest is the body of POST /api/jobs.
type AddJobRequest struct {
	Source queue.SourceMetadata `json:"source"`
}

// ActionResponse reports the outcome of cancel, retry and check requests.
type ActionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// PauseResponse is returned by POST /api/pause.
type PauseResponse struct {
	PausedUntil string `json:"pausedUntil"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromJob converts a queue snapshot into its transport form.
func FromJob(job queue.Job) JobView {
	view := JobView{
		ID:               job.ID,
		Name:             job.DisplayName(),
		Status:           string(job.Status),
		SourceID:         job.Source.ID,
		Filename:         job.Source.Filename,
		FileSize:         job.Source.FileSize,
		DownloadURL:      job.Source.DownloadURL,
		Checksum:         job.Source.Checksum,
		PatientName:      job.Source.PatientName,
		PatientID:        job.Source.PatientID,
		StudyDateTime:    job.Source.StudyDateTime,
		StudyDescription: job.Source.StudyDescription,
		ImagePath:        job.ImagePath,
		ControlFilePath:  job.ControlFilePath,
		DiscClass:        string(job.DiscClass),
		Progress:         job.Progress,
		ErrorMessage:     job.ErrorMessage,
		RetryCount:       job.RetryCount,
		NotificationSent: job.NotificationSent,
		CreatedAt:        formatTime(job.CreatedAt),
		UpdatedAt:        formatTime(job.UpdatedAt),
	}
	if job.DiscClass != "" {
		view.MediaType = job.DiscClass.MediaType()
	}
	return view
}

// FromJobs converts a slice of snapshots, preserving order.
func FromJobs(jobs []queue.Job) []JobView {
	out := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, FromJob(job))
	}
	return out
}

// FromWorkerStatus converts the scheduler status into its transport form.
func FromWorkerStatus(status scheduler.WorkerStatus) WorkerStatus {
	qs := status.QueueStatus
	out := WorkerStatus{
		Running:     status.Running,
		Paused:      status.Paused,
		PausedUntil: formatTimePtr(status.PausedUntil),
		LastCheck:   formatTimePtr(status.LastCheck),
		NextCheckIn: status.NextCheckIn,
		Queue: QueueCounts{
			Total:         qs.Total,
			Pending:       qs.Pending,
			Downloading:   qs.Downloading,
			Burning:       qs.Burning,
			Verifying:     qs.Verifying,
			Ready:         qs.Ready,
			Completed:     qs.Completed,
			Failed:        qs.Failed,
			Cancelled:     qs.Cancelled,
			QueueLength:   qs.QueueLength,
			ActiveSlots:   qs.ActiveSlots,
			MaxConcurrent: qs.MaxConcurrent,
			Handlers:      qs.Handlers,
		},
		ScheduledTasks: status.ScheduledTasks,
		Errors:         status.Errors,
	}
	if st := status.StorageStats; st != nil {
		storage := &StorageStats{
			TotalJobs:      st.TotalJobs,
			PendingJobs:    st.PendingJobs,
			CompletedJobs:  st.CompletedJobs,
			FailedJobs:     st.FailedJobs,
			DatabaseSizeMB: st.DatabaseSizeMB,
			Backups:        st.Backups,
			LastBackup:     formatTime(st.LastBackup),
		}
		if len(st.ByStatus) > 0 {
			storage.ByStatus = make(map[string]int, len(st.ByStatus))
			for status, count := range st.ByStatus {
				storage.ByStatus[string(status)] = count
			}
		}
		out.Storage = storage
	}
	if ds := status.DownloadStats; ds != nil {
		out.Downloads = &DownloadStats{
			ActiveDownloads:    ds.ActiveDownloads,
			CompletedDownloads: ds.CompletedDownloads,
			SuccessRate:        ds.SuccessRate,
			TotalBytes:         ds.TotalBytes,
		}
	}
	for _, task := range status.Tasks {
		out.Tasks = append(out.Tasks, TaskView{
			Name:      task.Name,
			Interval:  task.Interval,
			NextRun:   formatTime(task.NextRun),
			LastRun:   formatTime(task.LastRun),
			LastError: task.LastError,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
