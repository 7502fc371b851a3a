package queue

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Status represents the lifecycle of a burn job.
type Status string

const (
	StatusPending               Status = "pending"
	StatusDownloading           Status = "downloading"
	StatusDownloaded            Status = "downloaded"
	StatusGeneratingControlFile Status = "generating_control_file"
	StatusControlFileReady      Status = "control_file_ready"
	StatusQueuedForBurn         Status = "queued_for_burn"
	StatusBurning               Status = "burning"
	StatusVerifying             Status = "verifying"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusDownloaded,
	StatusGeneratingControlFile,
	StatusControlFileReady,
	StatusQueuedForBurn,
	StatusBurning,
	StatusVerifying,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// activeStatuses occupy an admission slot.
var activeStatuses = map[Status]struct{}{
	StatusDownloading: {},
	StatusBurning:     {},
	StatusVerifying:   {},
}

// readyStatuses wait for the scheduler to advance them.
var readyStatuses = map[Status]struct{}{
	StatusDownloaded:       {},
	StatusControlFileReady: {},
	StatusQueuedForBurn:    {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := statusSet[normalized]; !ok {
		return "", false
	}
	return normalized, true
}

// IsTerminal reports whether no further stage runs for the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the status counts against the admission limit.
func (s Status) IsActive() bool {
	_, ok := activeStatuses[s]
	return ok
}

// IsReady reports whether the status is an intermediate hand-off state.
func (s Status) IsReady() bool {
	_, ok := readyStatuses[s]
	return ok
}

// DiscClass is the media size class selected from the image size.
type DiscClass string

const (
	DiscClassSmall DiscClass = "small"
	DiscClassLarge DiscClass = "large"
)

const (
	MiB = 1024 * 1024
	// SmallDiscLimit is the exclusive upper bound for small (CD) media.
	SmallDiscLimit int64 = 700 * MiB
	// LargeDiscLimit is the inclusive upper bound for large (DVD) media.
	LargeDiscLimit int64 = 4608 * MiB
)

// ErrImageTooLarge reports an image that does not fit any supported media.
var ErrImageTooLarge = errors.New("File size exceeds 4.5GB")

// ClassifyDisc maps an image size in bytes to a disc class.
func ClassifyDisc(size int64) (DiscClass, error) {
	switch {
	case size < 0:
		return "", fmt.Errorf("invalid image size %d", size)
	case size < SmallDiscLimit:
		return DiscClassSmall, nil
	case size <= LargeDiscLimit:
		return DiscClassLarge, nil
	default:
		return "", ErrImageTooLarge
	}
}

// MediaType returns the robot media name for the class.
func (c DiscClass) MediaType() string {
	if c == DiscClassLarge {
		return "DVD"
	}
	return "CD"
}

// SourceMetadata describes the remote image a job burns. It is set when the
// job is created and never modified afterwards.
type SourceMetadata struct {
	ID               string            `json:"id"`
	Filename         string            `json:"filename,omitempty"`
	FileSize         int64             `json:"file_size,omitempty"`
	DownloadURL      string            `json:"download_url,omitempty"`
	Checksum         string            `json:"checksum,omitempty"`
	PatientName      string            `json:"patient_name,omitempty"`
	PatientID        string            `json:"patient_id,omitempty"`
	PatientBirthDate string            `json:"patient_birth_date,omitempty"`
	StudyDateTime    string            `json:"study_date_time,omitempty"`
	StudyDescription string            `json:"study_description,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy.
func (m SourceMetadata) Clone() SourceMetadata {
	if m.Extra != nil {
		m.Extra = maps.Clone(m.Extra)
	}
	return m
}

// Job is one image-fetch-to-burn pipeline run. Values handed out by the Queue
// are snapshots; mutating them has no effect on the queue.
type Job struct {
	ID               string         `json:"id"`
	Status           Status         `json:"status"`
	Source           SourceMetadata `json:"source"`
	ImagePath        string         `json:"image_path,omitempty"`
	ControlFilePath  string         `json:"control_file_path,omitempty"`
	Progress         float64        `json:"progress"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	RetryCount       int            `json:"retry_count"`
	DiscClass        DiscClass      `json:"disc_class,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	NotificationSent bool           `json:"notification_sent"`

	// attempt changes whenever a stage handler is spawned or the job is
	// cancelled or retried. Handlers may only write back while it matches.
	attempt uint64
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	j.Source = j.Source.Clone()
	return j
}

// CanRetry reports whether an automatic retry is allowed under maxRetries.
func (j Job) CanRetry(maxRetries int) bool {
	return j.Status == StatusFailed && j.RetryCount < maxRetries
}

// DisplayName returns a short human label for logs and notifications.
func (j Job) DisplayName() string {
	switch {
	case strings.TrimSpace(j.Source.PatientName) != "" && strings.TrimSpace(j.Source.StudyDescription) != "":
		return fmt.Sprintf("%s - %s", j.Source.PatientName, j.Source.StudyDescription)
	case strings.TrimSpace(j.Source.Filename) != "":
		return j.Source.Filename
	case strings.TrimSpace(j.Source.ID) != "":
		return j.Source.ID
	default:
		return j.ID
	}
}

// QueueStatus aggregates job counts for status displays.
type QueueStatus struct {
	Total         int `json:"total"`
	Pending       int `json:"pending"`
	Downloading   int `json:"downloading"`
	Burning       int `json:"burning"`
	Verifying     int `json:"verifying"`
	Ready         int `json:"ready"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Cancelled     int `json:"cancelled"`
	QueueLength   int `json:"queue_length"`
	ActiveSlots   int `json:"active_slots"`
	MaxConcurrent int `json:"max_concurrent"`
	// Handlers is the number of stage goroutines currently running.
	Handlers int `json:"handlers"`
}
