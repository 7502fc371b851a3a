package fetch

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"discburner/internal/fileutil"
	"discburner/internal/logging"
	"discburner/internal/metrics"
	"discburner/internal/queue"
	"discburner/internal/services"
)

const (
	partSuffix = ".part"
	chunkSize  = 64 * 1024
	userAgent  = "discburner/1.0"
)

// Options configures a Fetcher.
type Options struct {
	DownloadsDir string
	// HeaderTimeout bounds the wait for response headers. Body transfer is
	// only bounded by the caller's context.
	HeaderTimeout time.Duration
	Client        *http.Client
	Logger        *slog.Logger
	Now           func() time.Time
}

// Fetcher downloads images over HTTP.
type Fetcher struct {
	dir    string
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	active  map[string]*transfer
	history []Record
}

type transfer struct {
	cancel   context.CancelFunc
	done     chan struct{}
	progress Progress
}

// New validates opts and returns a Fetcher writing into opts.DownloadsDir.
func New(opts Options) (*Fetcher, error) {
	dir := strings.TrimSpace(opts.DownloadsDir)
	if dir == "" {
		return nil, services.Wrap(services.ErrConfiguration, "fetch", "init", "downloads directory is required", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "fetch", "init", "create downloads directory", err)
	}
	client := opts.Client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.HeaderTimeout > 0 {
			transport.ResponseHeaderTimeout = opts.HeaderTimeout
		}
		client = &http.Client{Transport: transport}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		dir:    dir,
		client: client,
		logger: logging.NewComponentLogger(logger, "fetch"),
		now:    now,
		active: make(map[string]*transfer),
	}, nil
}

// Dir returns the downloads folder.
func (f *Fetcher) Dir() string {
	return f.dir
}

// Fetch downloads src into the downloads folder and reports progress in
// bytes. An existing file with the target name is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, src queue.SourceMetadata, progress queue.ProgressFunc) (queue.FetchResult, error) {
	if strings.TrimSpace(src.ID) == "" {
		return queue.FetchResult{}, services.Wrap(services.ErrValidation, "download", "validate", "source id is required", nil)
	}
	if _, err := url.ParseRequestURI(src.DownloadURL); err != nil {
		return queue.FetchResult{}, services.Wrap(services.ErrValidation, "download", "validate", fmt.Sprintf("no usable download URL for %s", src.ID), err)
	}
	target := filepath.Join(f.dir, TargetName(src))
	logger := f.logger.With(logging.SourceID(src.ID), logging.String("path", target))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	started := f.now()
	t, err := f.begin(ctx, src, target, cancel, started)
	if err != nil {
		return queue.FetchResult{}, services.Wrap(services.ErrCancelled, "download", "start", fmt.Sprintf("previous download for %s still stopping", src.ID), err)
	}

	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
		logger.Info("image already downloaded; reusing", logging.Int64("bytes", info.Size()))
		f.finish(t, ResultReused, info.Size(), nil)
		metrics.ObserveDownload(ResultReused, 0)
		return queue.FetchResult{Path: target, Size: info.Size()}, nil
	}

	size, err := f.transfer(ctx, t, src, target, progress)
	if err == nil && ctx.Err() != nil {
		// Finished after a cancel; the file stays for a later attempt to reuse.
		err = ctx.Err()
	}
	result := resultFor(ctx, err)
	f.finish(t, result, size, err)
	metrics.ObserveDownload(result, size)
	if err != nil {
		if result == ResultCancelled {
			logger.Info("download cancelled")
			return queue.FetchResult{}, services.Wrap(services.ErrCancelled, "download", "transfer", "cancelled", err)
		}
		return queue.FetchResult{}, err
	}
	logger.Info("download finished",
		logging.Int64("bytes", size),
		logging.Duration("elapsed", f.now().Sub(started)),
	)
	return queue.FetchResult{Path: target, Size: size}, nil
}

func (f *Fetcher) transfer(ctx context.Context, t *transfer, src queue.SourceMetadata, target string, progress queue.ProgressFunc) (int64, error) {
	verifier, err := newVerifier(src.Checksum)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "download", "checksum", "unsupported checksum", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.DownloadURL, nil)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, "download", "build request", src.DownloadURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, services.Wrap(services.ErrTransient, "download", "request", "image server unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, services.Wrap(services.ErrTransient, "download", "request", fmt.Sprintf("Download failed with status %d", resp.StatusCode), nil)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = src.FileSize
	}
	if total < 0 {
		total = 0
	}

	part := target + partSuffix
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, services.Wrap(services.ErrConfiguration, "download", "create file", part, err)
	}
	discard := func() {
		out.Close()
		_, _ = fileutil.RemoveIfExists(part)
	}

	counter := &progressWriter{total: total, report: progress, onWrite: func(n int64) { f.advance(t, n, total) }}
	writers := []io.Writer{out, counter}
	if verifier != nil {
		writers = append(writers, verifier.hash)
	}
	written, err := io.CopyBuffer(io.MultiWriter(writers...), resp.Body, make([]byte, chunkSize))
	if err != nil {
		discard()
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		return written, services.Wrap(services.ErrTransient, "download", "transfer", "connection interrupted", err)
	}
	if err := out.Sync(); err != nil {
		discard()
		return written, services.Wrap(services.ErrTransient, "download", "sync", part, err)
	}
	if err := out.Close(); err != nil {
		_, _ = fileutil.RemoveIfExists(part)
		return written, services.Wrap(services.ErrTransient, "download", "close", part, err)
	}

	if src.FileSize > 0 && written != src.FileSize {
		_, _ = fileutil.RemoveIfExists(part)
		return written, services.Wrap(services.ErrIntegrity, "download", "verify size", fmt.Sprintf("File size mismatch: expected %d, got %d", src.FileSize, written), nil)
	}
	if verifier != nil && !verifier.matches() {
		_, _ = fileutil.RemoveIfExists(part)
		return written, services.Wrap(services.ErrIntegrity, "download", "verify checksum", fmt.Sprintf("Checksum verification failed for %s", filepath.Base(target)), nil)
	}
	if err := os.Rename(part, target); err != nil {
		_, _ = fileutil.RemoveIfExists(part)
		return written, services.Wrap(services.ErrTransient, "download", "finalize", target, err)
	}
	return written, nil
}

// Cancel aborts the active download for sourceID.
func (f *Fetcher) Cancel(sourceID string) bool {
	f.mu.Lock()
	t, ok := f.active[sourceID]
	if ok {
		t.progress.Status = ResultCancelled
	}
	f.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	f.logger.Info("download cancel requested", logging.String("source_id", sourceID))
	return true
}

// TargetName returns the file name an image is stored under.
func TargetName(src queue.SourceMetadata) string {
	name := filepath.Base(strings.TrimSpace(src.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = fmt.Sprintf("iso_%s.iso", src.ID)
	}
	return name
}

func resultFor(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return ResultCompleted
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return ResultCancelled
	default:
		return ResultFailed
	}
}

type progressWriter struct {
	written int64
	total   int64
	report  queue.ProgressFunc
	onWrite func(int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.onWrite != nil {
		w.onWrite(w.written)
	}
	if w.report != nil {
		w.report(w.written, w.total)
	}
	return len(p), nil
}

type verifier struct {
	hash     hash.Hash
	expected string
}

func (v *verifier) matches() bool {
	return fmt.Sprintf("%x", v.hash.Sum(nil)) == v.expected
}
