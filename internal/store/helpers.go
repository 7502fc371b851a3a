package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"discburner/internal/queue"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = "id, source_id, filename, file_size, download_url, checksum, patient_name, patient_id, patient_birth_date, study_date_time, study_description, extra_json, status, image_path, control_file_path, progress, error_message, retry_count, disc_class, notification_sent, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (queue.Job, error) {
	var (
		id               string
		sourceID         string
		filename         sql.NullString
		fileSize         sql.NullInt64
		downloadURL      sql.NullString
		checksum         sql.NullString
		patientName      sql.NullString
		patientID        sql.NullString
		patientBirthDate sql.NullString
		studyDateTime    sql.NullString
		studyDescription sql.NullString
		extraJSON        sql.NullString
		statusStr        string
		imagePath        sql.NullString
		controlFilePath  sql.NullString
		progress         sql.NullFloat64
		errorMessage     sql.NullString
		retryCount       sql.NullInt64
		discClass        sql.NullString
		notificationSent sql.NullInt64
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&sourceID,
		&filename,
		&fileSize,
		&downloadURL,
		&checksum,
		&patientName,
		&patientID,
		&patientBirthDate,
		&studyDateTime,
		&studyDescription,
		&extraJSON,
		&statusStr,
		&imagePath,
		&controlFilePath,
		&progress,
		&errorMessage,
		&retryCount,
		&discClass,
		&notificationSent,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return queue.Job{}, err
	}

	job := queue.Job{
		ID:     id,
		Status: queue.Status(statusStr),
		Source: queue.SourceMetadata{
			ID:               sourceID,
			Filename:         filename.String,
			FileSize:         fileSize.Int64,
			DownloadURL:      downloadURL.String,
			Checksum:         checksum.String,
			PatientName:      patientName.String,
			PatientID:        patientID.String,
			PatientBirthDate: patientBirthDate.String,
			StudyDateTime:    studyDateTime.String,
			StudyDescription: studyDescription.String,
		},
		ImagePath:        imagePath.String,
		ControlFilePath:  controlFilePath.String,
		Progress:         progress.Float64,
		ErrorMessage:     errorMessage.String,
		RetryCount:       int(retryCount.Int64),
		DiscClass:        queue.DiscClass(discClass.String),
		NotificationSent: notificationSent.Int64 != 0,
	}
	if extraJSON.Valid && extraJSON.String != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(extraJSON.String), &extra); err == nil {
			job.Source.Extra = extra
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func extraToJSON(extra map[string]string) (any, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		value = time.Now()
	}
	return value.UTC().Format(timeLayout)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
