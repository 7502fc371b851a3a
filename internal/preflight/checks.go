package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"discburner/internal/catalog"
	"discburner/internal/config"
	"discburner/internal/controlfile"
	"discburner/internal/services"
	"discburner/internal/store"
)

// CheckCatalog verifies that the catalog answers a trivial query with the
// configured credentials. It uses a 30-second timeout and a single attempt.
func CheckCatalog(ctx context.Context, cfg config.Catalog) Result {
	const name = "Catalog"
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Result{Name: name, Detail: "endpoint missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := catalog.NewClient(catalog.Config{
		Endpoint:       cfg.Endpoint,
		APIKey:         cfg.APIKey,
		BurnerID:       cfg.BurnerID,
		TimeoutSeconds: cfg.TimeoutSeconds,
		RetryAttempts:  1,
	})
	if err := client.TestConnection(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeCatalogError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFileReadable verifies that a regular file exists and can be read.
func CheckFileReadable(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// CheckTemplates parses the configured control and data templates.
func CheckTemplates(robot config.Robot) Result {
	const name = "Control file templates"
	_, err := controlfile.New(controlfile.Options{
		Dir:             os.TempDir(),
		ControlTemplate: robot.ControlTemplate,
		DataTemplate:    robot.DataTemplate,
	})
	if err != nil {
		return Result{Name: name, Detail: services.Message(err)}
	}
	if robot.ControlTemplate == "" && robot.DataTemplate == "" {
		return Result{Name: name, Passed: true, Detail: "built-in defaults"}
	}
	return Result{Name: name, Passed: true, Detail: "parsed"}
}

// CheckDatabase opens the job database and runs an integrity check. A
// missing database passes when its folder is writable, since the daemon
// creates it on start.
func CheckDatabase(ctx context.Context, path string) Result {
	const name = "Job database"
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "database_path not configured"}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		dir := CheckDirectoryAccess(name, filepath.Dir(path))
		if !dir.Passed {
			return dir
		}
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (will be created)", path)}
	}

	st, err := store.OpenPath(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	defer st.Close()
	health, err := st.CheckHealth(ctx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	switch {
	case !health.IntegrityCheck:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: integrity check failed)", path)}
	case len(health.MissingColumns) > 0:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: missing columns %s)", path, strings.Join(health.MissingColumns, ", "))}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%d jobs, schema v%d)", path, health.TotalJobs, health.SchemaVersion)}
}

// summarizeCatalogError produces a human-readable summary for catalog check failures.
func summarizeCatalogError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "connection test timed out (catalog unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connection test timed out (catalog unreachable)"
	}
	if errors.Is(err, services.ErrConfiguration) {
		return "auth failed (check api key)"
	}
	return services.Message(err)
}
