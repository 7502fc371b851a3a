package controlfile_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"discburner/internal/controlfile"
	"discburner/internal/queue"
	"discburner/internal/services"
)

func sampleJob() queue.Job {
	return queue.Job{
		ID:        "job-7",
		Status:    queue.StatusGeneratingControlFile,
		ImagePath: "/srv/downloads/study.iso",
		DiscClass: queue.DiscClassLarge,
		Source: queue.SourceMetadata{
			ID:               "iso-7",
			PatientName:      "DOE^JOHN",
			PatientID:        "P-77",
			StudyDateTime:    "2026-03-04T09:15:00Z",
			StudyDescription: "MR Knee",
		},
	}
}

func TestGenerateWithDefaultTemplates(t *testing.T) {
	dir := t.TempDir()
	gen, err := controlfile.New(controlfile.Options{Dir: dir, LabelFile: "/srv/labels/default.tdd", Publisher: "EPSON_PP_100"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, err := gen.Generate(context.Background(), sampleJob())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if path != filepath.Join(dir, "job-7.jdf") {
		t.Fatalf("unexpected control path %s", path)
	}

	control, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"JOB_ID=job-7",
		"PUBLISHER=EPSON_PP_100",
		"DISC_TYPE=DVD",
		"IMAGE=/srv/downloads/study.iso",
		"VOLUME_LABEL=DOE_JOHN",
		"LABEL=/srv/labels/default.tdd",
		"REPLACE_FIELD=" + filepath.Join(dir, "job-7.data"),
	} {
		if !strings.Contains(string(control), want) {
			t.Fatalf("control file missing %q:\n%s", want, control)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "job-7.data"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 || lines[0] != "Doe John" || lines[2] != "MR Knee" || lines[3] != "2026-03-04" {
		t.Fatalf("unexpected data file %q", data)
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp")); len(matches) != 0 {
		t.Fatalf("temporary files left behind: %v", matches)
	}
}

func TestGenerateOmitsLabelWithoutLabelFile(t *testing.T) {
	dir := t.TempDir()
	gen, err := controlfile.New(controlfile.Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	job := sampleJob()
	job.DiscClass = queue.DiscClassSmall
	path, err := gen.Generate(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	control, _ := os.ReadFile(path)
	if strings.Contains(string(control), "\nLABEL=") {
		t.Fatalf("expected no LABEL line:\n%s", control)
	}
	if !strings.Contains(string(control), "DISC_TYPE=CD") {
		t.Fatalf("expected CD media:\n%s", control)
	}
}

func TestCustomTemplates(t *testing.T) {
	dir := t.TempDir()
	controlTmpl := filepath.Join(dir, "custom.jdf")
	dataTmpl := filepath.Join(dir, "custom.data")
	if err := os.WriteFile(controlTmpl, []byte("IMAGE={{.image}} WARD={{.ward}}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dataTmpl, []byte("{{.patient_name}}|{{.study_date}}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gen, err := controlfile.New(controlfile.Options{Dir: filepath.Join(dir, "out"), ControlTemplate: controlTmpl, DataTemplate: dataTmpl})
	if err != nil {
		t.Fatal(err)
	}
	job := sampleJob()
	job.Source.Extra = map[string]string{"ward": "B2", "image": "ignored"}
	path, err := gen.Generate(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	control, _ := os.ReadFile(path)
	if string(control) != "IMAGE=/srv/downloads/study.iso WARD=B2\n" {
		t.Fatalf("unexpected control %q", control)
	}
}

func TestNewRejectsBadTemplates(t *testing.T) {
	dir := t.TempDir()
	if _, err := controlfile.New(controlfile.Options{Dir: dir, ControlTemplate: filepath.Join(dir, "missing.jdf")}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for a missing template, got %v", err)
	}
	broken := filepath.Join(dir, "broken.jdf")
	if err := os.WriteFile(broken, []byte("{{.image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := controlfile.New(controlfile.Options{Dir: dir, ControlTemplate: broken}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for a broken template, got %v", err)
	}
	if _, err := controlfile.New(controlfile.Options{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without a directory, got %v", err)
	}
}

func TestGenerateRequiresImage(t *testing.T) {
	gen, err := controlfile.New(controlfile.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	job := sampleJob()
	job.ImagePath = ""
	if _, err := gen.Generate(context.Background(), job); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFieldHelpers(t *testing.T) {
	if got := controlfile.PatientName("  van der BERG^anna  "); got != "Van Der Berg Anna" {
		t.Fatalf("PatientName = %q", got)
	}
	if got := controlfile.VolumeLabel("Müller Jörg", "job"); got != "MLLER_JRG" {
		t.Fatalf("VolumeLabel = %q", got)
	}
	if got := controlfile.VolumeLabel("", "ab-12"); got != "AB_12" {
		t.Fatalf("VolumeLabel fallback = %q", got)
	}
	long := controlfile.VolumeLabel(strings.Repeat("Name ", 20), "x")
	if len(long) > 32 {
		t.Fatalf("volume label too long: %q", long)
	}
	cases := map[string]string{
		"20260304":             "2026-03-04",
		"2026-03-04 10:00:00":  "2026-03-04",
		"2026-03-04T10:00:00Z": "2026-03-04",
		"unknown":              "unknown",
	}
	for in, want := range cases {
		if got := controlfile.StudyDate(in); got != want {
			t.Fatalf("StudyDate(%q) = %q, want %q", in, got, want)
		}
	}
}
