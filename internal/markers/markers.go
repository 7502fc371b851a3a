package markers

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Status is the robot state inferred from marker files.
type Status string

const (
	StatusError      Status = "ERROR"
	StatusDone       Status = "DONE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusWaiting    Status = "WAITING"
	StatusNotFound   Status = "NOT_FOUND"
)

// Marker file extensions, upper case as written by the robot.
const (
	ExtError      = "ERR"
	ExtDone       = "DON"
	ExtInProgress = "INP"
	ExtControl    = "JDF"
)

// priority lists extensions from most to least significant. An error marker
// wins over a completion marker when both exist.
var priority = []struct {
	ext    string
	status Status
}{
	{ExtError, StatusError},
	{ExtDone, StatusDone},
	{ExtInProgress, StatusInProgress},
	{ExtControl, StatusWaiting},
}

// Reader resolves the robot status for a control file.
type Reader interface {
	Read(controlFile string) (Status, error)
}

// FileReader scans the control file's directory on every call.
type FileReader struct{}

// NewFileReader returns a reader backed by the local filesystem.
func NewFileReader() FileReader {
	return FileReader{}
}

// Read reports the highest priority marker sharing the control file stem.
// Missing directories report NOT_FOUND; other I/O errors are returned.
func (FileReader) Read(controlFile string) (Status, error) {
	found, err := Matches(controlFile)
	if err != nil {
		return StatusNotFound, err
	}
	for _, p := range priority {
		if len(found[p.ext]) > 0 {
			return p.status, nil
		}
	}
	return StatusNotFound, nil
}

// Matches lists marker files per upper case extension for the control file.
// A file matches when its name starts with the control file stem and its
// extension equals one of the marker extensions, ignoring case.
func Matches(controlFile string) (map[string][]string, error) {
	controlFile = strings.TrimSpace(controlFile)
	if controlFile == "" {
		return nil, fmt.Errorf("markers: empty control file path")
	}
	dir := filepath.Dir(controlFile)
	stem := Stem(controlFile)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("markers: read %s: %w", dir, err)
	}

	found := make(map[string][]string, len(priority))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, stem) {
			continue
		}
		ext := strings.ToUpper(strings.TrimPrefix(filepath.Ext(name), "."))
		for _, p := range priority {
			if ext == p.ext {
				found[ext] = append(found[ext], filepath.Join(dir, name))
				break
			}
		}
	}
	for ext := range found {
		sort.Strings(found[ext])
	}
	return found, nil
}

// Stem returns the control file base name without its extension.
func Stem(controlFile string) string {
	base := filepath.Base(controlFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RemoveMarkers deletes ERR, DON and INP files left by a previous attempt so
// a retried job starts from a clean slate. The control file itself is kept.
func RemoveMarkers(controlFile string) (int, error) {
	found, err := Matches(controlFile)
	if err != nil {
		return 0, err
	}
	removed := 0
	var firstErr error
	for _, ext := range []string{ExtError, ExtDone, ExtInProgress} {
		for _, path := range found[ext] {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				if firstErr == nil {
					firstErr = fmt.Errorf("markers: remove %s: %w", path, err)
				}
				continue
			}
			removed++
		}
	}
	return removed, firstErr
}

// IsTerminal reports whether the robot has finished with the job.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}
