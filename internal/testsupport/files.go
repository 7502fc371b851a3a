package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteFile fills the target path with size bytes of a repeating pattern and
// returns the path. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) string {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for i := range buf {
		buf[i] = 0x42
	}
	for remaining := size; remaining > 0; {
		n := min(remaining, int64(len(buf)))
		if _, err := f.Write(buf[:n]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= n
	}
	return path
}

// WriteMarker drops a robot status marker (ERR, DON, INP) next to a control
// file, named after the control file stem.
func WriteMarker(t testing.TB, controlFile, ext string) string {
	t.Helper()

	stem := strings.TrimSuffix(filepath.Base(controlFile), filepath.Ext(controlFile))
	path := filepath.Join(filepath.Dir(controlFile), stem+"."+strings.ToUpper(ext))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write marker %s: %v", path, err)
	}
	return path
}
