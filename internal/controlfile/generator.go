package controlfile

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"discburner/internal/fileutil"
	"discburner/internal/logging"
	"discburner/internal/queue"
	"discburner/internal/services"
)

//go:embed templates/default.jdf templates/default.data
var defaults embed.FS

const (
	controlExt     = ".jdf"
	dataExt        = ".data"
	maxVolumeLabel = 32
)

// Options configures a Generator.
type Options struct {
	Dir string
	// ControlTemplate and DataTemplate are template file paths. Empty
	// values select the embedded defaults.
	ControlTemplate string
	DataTemplate    string
	LabelFile       string
	Publisher       string
	Logger          *slog.Logger
}

// Generator writes control and data files for jobs.
type Generator struct {
	dir       string
	labelFile string
	publisher string
	control   *template.Template
	data      *template.Template
	logger    *slog.Logger
}

// New parses both templates so that broken templates fail at startup.
func New(opts Options) (*Generator, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "generate", "init", "control directory is required", nil)
	}
	control, err := loadTemplate("control", opts.ControlTemplate, "templates/default.jdf")
	if err != nil {
		return nil, err
	}
	data, err := loadTemplate("data", opts.DataTemplate, "templates/default.data")
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Generator{
		dir:       opts.Dir,
		labelFile: opts.LabelFile,
		publisher: opts.Publisher,
		control:   control,
		data:      data,
		logger:    logging.NewComponentLogger(logger, "controlfile"),
	}, nil
}

func loadTemplate(name, path, fallback string) (*template.Template, error) {
	var (
		raw []byte
		err error
	)
	if strings.TrimSpace(path) != "" {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "generate", "load template", fmt.Sprintf("Template file not found: %s", path), err)
		}
	} else {
		raw, err = defaults.ReadFile(fallback)
		if err != nil {
			return nil, fmt.Errorf("read embedded %s template: %w", name, err)
		}
	}
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(string(raw))
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "generate", "parse template", name, err)
	}
	return tmpl, nil
}

// Generate writes <dir>/<job id>.data followed by <dir>/<job id>.jdf and
// returns the control file path. The control file is renamed into place so
// the robot never sees a partial job definition.
func (g *Generator) Generate(ctx context.Context, job queue.Job) (string, error) {
	if strings.TrimSpace(job.ImagePath) == "" {
		return "", services.Wrap(services.ErrValidation, "generate", "validate", "job has no downloaded image", nil)
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "generate", "create control dir", g.dir, err)
	}
	controlPath := filepath.Join(g.dir, job.ID+controlExt)
	dataPath := filepath.Join(g.dir, job.ID+dataExt)
	fields := Fields(job, g.labelFile, g.publisher, dataPath)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := g.render(g.data, fields, dataPath); err != nil {
		return "", services.Wrap(services.ErrExternalTool, "generate", "data file", "Error creating data file", err)
	}
	if err := ctx.Err(); err != nil {
		_, _ = fileutil.RemoveIfExists(dataPath)
		return "", err
	}
	if err := g.render(g.control, fields, controlPath); err != nil {
		_, _ = fileutil.RemoveIfExists(dataPath)
		return "", services.Wrap(services.ErrExternalTool, "generate", "control file", "Error creating JDF file", err)
	}

	logging.WithContext(ctx, g.logger).Info("control file written",
		logging.String("control_file", controlPath),
		logging.String("data_file", dataPath),
		logging.String("disc_type", fields["disc_type"]),
	)
	return controlPath, nil
}

func (g *Generator) render(tmpl *template.Template, fields map[string]string, path string) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, fields); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_, _ = fileutil.RemoveIfExists(tmp)
		return err
	}
	return nil
}

// Fields returns the template variables for job.
func Fields(job queue.Job, labelFile, publisher, dataPath string) map[string]string {
	src := job.Source
	name := PatientName(src.PatientName)
	fields := map[string]string{
		"job_id":            job.ID,
		"source_id":         src.ID,
		"publisher":         publisher,
		"patient_name":      name,
		"patient_id":        strings.TrimSpace(src.PatientID),
		"patient_birth":     StudyDate(src.PatientBirthDate),
		"study_description": strings.TrimSpace(src.StudyDescription),
		"study_date":        StudyDate(src.StudyDateTime),
		"disc_type":         job.DiscClass.MediaType(),
		"image":             job.ImagePath,
		"volume_label":      VolumeLabel(name, job.ID),
		"label":             labelFile,
		"replace_fields":    dataPath,
	}
	for key, value := range src.Extra {
		if _, taken := fields[key]; !taken {
			fields[key] = value
		}
	}
	return fields
}

// PatientName turns a DICOM person name ("DOE^JOHN") into "Doe John".
func PatientName(raw string) string {
	cleaned := strings.Builder{}
	prevSpace := false
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r) || r == '\'' || r == '-':
			cleaned.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r) || r == '^' || r == '_' || r == ',':
			if !prevSpace {
				cleaned.WriteRune(' ')
				prevSpace = true
			}
		}
	}
	name := strings.TrimSpace(cleaned.String())
	if name == "" {
		return ""
	}
	return cases.Title(language.Und).String(name)
}

// VolumeLabel derives an ISO 9660 volume label (A-Z, 0-9, underscore, at
// most 32 characters) from the patient name, falling back to the job id.
func VolumeLabel(name, fallback string) string {
	upper := cases.Upper(language.Und).String(name)
	label := strings.Builder{}
	for _, r := range upper {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			label.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			label.WriteRune('_')
		}
		if label.Len() >= maxVolumeLabel {
			break
		}
	}
	out := strings.Trim(label.String(), "_")
	if out == "" {
		out = strings.ToUpper(strings.ReplaceAll(fallback, "-", "_"))
	}
	if len(out) > maxVolumeLabel {
		out = out[:maxVolumeLabel]
	}
	return out
}

// StudyDate formats a DICOM or RFC 3339 timestamp as YYYY-MM-DD. Values that
// cannot be parsed are returned trimmed.
func StudyDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02", "20060102150405", "20060102"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return raw
}
