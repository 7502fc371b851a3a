package queue_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"discburner/internal/markers"
	"discburner/internal/queue"
	"discburner/internal/services"
)

type fakeFetcher struct {
	mu        sync.Mutex
	dir       string
	size      int64
	err       error
	block     chan struct{}
	calls     int
	cancelled []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, src queue.SourceMetadata, progress queue.ProgressFunc) (queue.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	block, size, err, dir := f.block, f.size, f.err, f.dir
	f.mu.Unlock()

	if progress != nil {
		progress(size/2, size)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return queue.FetchResult{}, ctx.Err()
		}
	}
	if err != nil {
		return queue.FetchResult{}, err
	}
	path := ""
	if dir != "" {
		path = filepath.Join(dir, src.ID+".iso")
		if werr := os.WriteFile(path, []byte("image"), 0o644); werr != nil {
			return queue.FetchResult{}, werr
		}
	}
	return queue.FetchResult{Path: path, Size: size}, nil
}

func (f *fakeFetcher) Cancel(sourceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sourceID)
	return true
}

func (f *fakeFetcher) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.cancelled)
}

type fakeGenerator struct {
	dir string
	err error
}

func (g *fakeGenerator) Generate(_ context.Context, job queue.Job) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	path := filepath.Join(g.dir, job.Source.ID+".jdf")
	if err := os.WriteFile(path, []byte("JOB_ID="+job.ID+"\n"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type staticReader struct {
	status markers.Status
}

func (r staticReader) Read(string) (markers.Status, error) { return r.status, nil }

type harness struct {
	q       *queue.Queue
	fetcher *fakeFetcher
	dir     string
}

func newHarness(t *testing.T, maxConcurrent int, mutate func(*queue.Options, *queue.Dependencies)) *harness {
	t.Helper()
	dir := t.TempDir()
	fetcher := &fakeFetcher{dir: dir, size: 650 * queue.MiB}
	opts := queue.Options{
		MaxConcurrent:   maxConcurrent,
		MonitorInterval: 10 * time.Millisecond,
		BurnTimeout:     5 * time.Second,
	}
	deps := queue.Dependencies{
		Fetcher:   fetcher,
		Generator: &fakeGenerator{dir: dir},
		Reader:    markers.NewFileReader(),
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	q, err := queue.New(opts, deps)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(q.Close)
	return &harness{q: q, fetcher: fetcher, dir: dir}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, q *queue.Queue, id string, want queue.Status) queue.Job {
	t.Helper()
	var job queue.Job
	waitFor(t, fmt.Sprintf("job %s to reach %s", id, want), func() bool {
		var ok bool
		job, ok = q.GetJob(id)
		return ok && job.Status == want
	})
	return job
}

// advance starts the next stage for id and waits for want.
func advance(t *testing.T, q *queue.Queue, id string, want queue.Status) queue.Job {
	t.Helper()
	job, ok := q.GetJob(id)
	if !ok {
		t.Fatalf("job %s missing", id)
	}
	if !q.StartProcessing(job) {
		t.Fatalf("StartProcessing(%s) from %s returned false", id, job.Status)
	}
	return waitStatus(t, q, id, want)
}

func dispatchNext(t *testing.T, q *queue.Queue) queue.Job {
	t.Helper()
	job, ok := q.GetNextJob()
	if !ok {
		t.Fatal("expected a dispatchable job")
	}
	if !q.StartProcessing(job) {
		t.Fatalf("StartProcessing(%s) returned false", job.ID)
	}
	return job
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := queue.New(queue.Options{MaxConcurrent: 0}, queue.Dependencies{Fetcher: &fakeFetcher{}, Generator: &fakeGenerator{}})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	_, err = queue.New(queue.Options{MaxConcurrent: 1}, queue.Dependencies{})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing deps, got %v", err)
	}
}

func TestAddJobStartsPending(t *testing.T) {
	h := newHarness(t, 1, nil)
	id := h.q.AddJob(queue.SourceMetadata{ID: "iso-1", Filename: "study.iso"})

	job, ok := h.q.GetJob(id)
	if !ok {
		t.Fatal("job not found")
	}
	if job.Status != queue.StatusPending || job.Progress != 0 {
		t.Fatalf("expected pending with zero progress, got %s %.0f", job.Status, job.Progress)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
	status := h.q.GetQueueStatus()
	if status.Total != 1 || status.Pending != 1 || status.QueueLength != 1 {
		t.Fatalf("unexpected queue status: %+v", status)
	}
	if found, ok := h.q.FindBySourceID("iso-1"); !ok || found.ID != id {
		t.Fatalf("FindBySourceID returned %+v %v", found, ok)
	}
}

func TestJobSnapshotsAreIsolated(t *testing.T) {
	h := newHarness(t, 1, nil)
	id := h.q.AddJob(queue.SourceMetadata{ID: "iso-1", Extra: map[string]string{"k": "v"}})
	job, _ := h.q.GetJob(id)
	job.Status = queue.StatusCompleted
	job.Source.Extra["k"] = "changed"

	again, _ := h.q.GetJob(id)
	if again.Status != queue.StatusPending || again.Source.Extra["k"] != "v" {
		t.Fatalf("snapshot mutation leaked into the queue: %+v", again)
	}
}

func TestEndToEndBurnCompletes(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "completed")
	h := newHarness(t, 1, func(o *queue.Options, _ *queue.Dependencies) { o.ArchiveDir = archive })

	var mu sync.Mutex
	var seen []queue.Status
	h.q.Subscribe("recorder", func(job queue.Job) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != job.Status {
			seen = append(seen, job.Status)
		}
	})

	id := h.q.AddJob(queue.SourceMetadata{ID: "X"})
	dispatchNext(t, h.q)
	job := waitStatus(t, h.q, id, queue.StatusDownloaded)
	if job.DiscClass != queue.DiscClassSmall {
		t.Fatalf("expected small disc, got %q", job.DiscClass)
	}

	job = advance(t, h.q, id, queue.StatusControlFileReady)
	if filepath.Base(job.ControlFilePath) != "X.jdf" {
		t.Fatalf("unexpected control file %q", job.ControlFilePath)
	}
	advance(t, h.q, id, queue.StatusQueuedForBurn)
	advance(t, h.q, id, queue.StatusBurning)

	if err := os.WriteFile(filepath.Join(h.dir, "X.DON"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	job = waitStatus(t, h.q, id, queue.StatusCompleted)
	if job.Progress != 100 {
		t.Fatalf("expected progress 100, got %.0f", job.Progress)
	}
	if !strings.HasPrefix(job.ImagePath, archive) || !strings.HasPrefix(job.ControlFilePath, archive) {
		t.Fatalf("expected files archived under %s, got %q and %q", archive, job.ImagePath, job.ControlFilePath)
	}
	if _, err := os.Stat(filepath.Join(archive, id, "X.DON")); err != nil {
		t.Fatalf("expected marker archived with the job: %v", err)
	}

	want := []queue.Status{
		queue.StatusPending,
		queue.StatusDownloading,
		queue.StatusDownloaded,
		queue.StatusGeneratingControlFile,
		queue.StatusControlFileReady,
		queue.StatusQueuedForBurn,
		queue.StatusBurning,
		queue.StatusVerifying,
		queue.StatusCompleted,
	}
	waitFor(t, "all transitions delivered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seen, want) {
		t.Fatalf("unexpected status walk:\n got %v\nwant %v", seen, want)
	}
	for i := 1; i < len(seen); i++ {
		if !queue.CanTransition(seen[i-1], seen[i]) {
			t.Fatalf("invalid transition %s -> %s", seen[i-1], seen[i])
		}
	}
}

func TestAdmissionGateBoundsActiveJobs(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.fetcher.block = make(chan struct{})

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = h.q.AddJob(queue.SourceMetadata{ID: fmt.Sprintf("iso-%d", i)})
	}

	dispatchNext(t, h.q)
	dispatchNext(t, h.q)
	if got := h.q.ActiveCount(); got != 2 {
		t.Fatalf("expected 2 active jobs, got %d", got)
	}
	if _, ok := h.q.GetNextJob(); ok {
		t.Fatal("expected gate to block a third dispatch")
	}
	if h.q.HasCapacity() {
		t.Fatal("expected no capacity")
	}
	status := h.q.GetQueueStatus()
	if status.QueueLength != 2 || status.ActiveSlots != 2 || status.Downloading != 2 {
		t.Fatalf("unexpected queue status: %+v", status)
	}

	close(h.fetcher.block)
	waitStatus(t, h.q, ids[0], queue.StatusDownloaded)
	waitStatus(t, h.q, ids[1], queue.StatusDownloaded)

	next := dispatchNext(t, h.q)
	if next.ID != ids[2] {
		t.Fatalf("expected FIFO dispatch of %s, got %s", ids[2], next.ID)
	}
}

func TestConcurrentDispatchNeverExceedsLimit(t *testing.T) {
	const limit = 3
	h := newHarness(t, limit, func(o *queue.Options, _ *queue.Dependencies) { o.Workers = 20 })
	h.fetcher.block = make(chan struct{})
	for i := 0; i < 12; i++ {
		h.q.AddJob(queue.SourceMetadata{ID: fmt.Sprintf("iso-%d", i)})
	}

	var peakMu sync.Mutex
	peak := 0
	h.q.Subscribe("peak", func(queue.Job) {
		peakMu.Lock()
		defer peakMu.Unlock()
		peak = max(peak, h.q.ActiveCount())
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if job, ok := h.q.GetNextJob(); ok {
					h.q.StartProcessing(job)
				}
			}
		}()
	}
	wg.Wait()

	if got := h.q.ActiveCount(); got != limit {
		t.Fatalf("expected exactly %d active jobs, got %d", limit, got)
	}
	status := h.q.GetQueueStatus()
	if status.Pending != 12-limit {
		t.Fatalf("expected %d jobs still pending, got %d", 12-limit, status.Pending)
	}
	if status.QueueLength != status.Pending {
		t.Fatalf("deferred jobs lost from dispatch list: %+v", status)
	}
	peakMu.Lock()
	defer peakMu.Unlock()
	if peak > limit {
		t.Fatalf("active count peaked at %d, limit %d", peak, limit)
	}
}

func TestWorkerPoolSaturationDefersDispatch(t *testing.T) {
	h := newHarness(t, 3, func(o *queue.Options, _ *queue.Dependencies) { o.Workers = 1 })
	h.fetcher.block = make(chan struct{})
	first := h.q.AddJob(queue.SourceMetadata{ID: "a"})
	second := h.q.AddJob(queue.SourceMetadata{ID: "b"})

	dispatchNext(t, h.q)
	job, ok := h.q.GetNextJob()
	if !ok || job.ID != second {
		t.Fatalf("expected %s next, got %+v %v", second, job, ok)
	}
	if h.q.StartProcessing(job) {
		t.Fatal("expected dispatch to be deferred with a saturated pool")
	}
	if got, _ := h.q.GetJob(second); got.Status != queue.StatusPending {
		t.Fatalf("deferred job changed status to %s", got.Status)
	}
	if next, ok := h.q.GetNextJob(); !ok || next.ID != second {
		t.Fatalf("deferred job should be back at the head, got %+v %v", next, ok)
	}
	close(h.fetcher.block)
	waitStatus(t, h.q, first, queue.StatusDownloaded)
}

func TestClassifyDisc(t *testing.T) {
	cases := []struct {
		size    int64
		want    queue.DiscClass
		wantErr bool
	}{
		{650 * queue.MiB, queue.DiscClassSmall, false},
		{700*queue.MiB - 1, queue.DiscClassSmall, false},
		{700 * queue.MiB, queue.DiscClassLarge, false},
		{4000 * queue.MiB, queue.DiscClassLarge, false},
		{4608 * queue.MiB, queue.DiscClassLarge, false},
		{4700 * queue.MiB, "", true},
	}
	for _, tc := range cases {
		got, err := queue.ClassifyDisc(tc.size)
		if tc.wantErr {
			if !errors.Is(err, queue.ErrImageTooLarge) {
				t.Fatalf("size %d: expected ErrImageTooLarge, got %v", tc.size, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("size %d: got %q %v want %q", tc.size, got, err, tc.want)
		}
	}
	if queue.DiscClassLarge.MediaType() != "DVD" || queue.DiscClassSmall.MediaType() != "CD" {
		t.Fatal("unexpected media types")
	}
}

func TestOversizedImageFailsJob(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.fetcher.size = 4700 * queue.MiB
	id := h.q.AddJob(queue.SourceMetadata{ID: "big"})
	dispatchNext(t, h.q)

	job := waitStatus(t, h.q, id, queue.StatusFailed)
	if job.ErrorMessage != "File size exceeds 4.5GB" {
		t.Fatalf("unexpected error message %q", job.ErrorMessage)
	}
	if _, err := os.Stat(filepath.Join(h.dir, "big.iso")); !os.IsNotExist(err) {
		t.Fatalf("expected oversized image to be removed, stat err=%v", err)
	}
	if h.q.ActiveCount() != 0 {
		t.Fatal("failed job still holds a slot")
	}
}

func TestDownloadErrorFailsJob(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.fetcher.err = services.Wrap(services.ErrIntegrity, "download", "verify checksum", "md5 mismatch", nil)
	id := h.q.AddJob(queue.SourceMetadata{ID: "bad"})
	dispatchNext(t, h.q)

	job := waitStatus(t, h.q, id, queue.StatusFailed)
	if !strings.Contains(job.ErrorMessage, "md5 mismatch") || strings.HasPrefix(job.ErrorMessage, "integrity error") {
		t.Fatalf("unexpected error message %q", job.ErrorMessage)
	}
}

func TestGenerationFailureMessage(t *testing.T) {
	h := newHarness(t, 1, func(_ *queue.Options, d *queue.Dependencies) {
		d.Generator = &fakeGenerator{err: errors.New("template missing")}
	})
	id := h.q.AddJob(queue.SourceMetadata{ID: "gen"})
	dispatchNext(t, h.q)
	waitStatus(t, h.q, id, queue.StatusDownloaded)

	job := advance(t, h.q, id, queue.StatusFailed)
	if job.ErrorMessage != "control file generation failed: template missing" {
		t.Fatalf("unexpected error message %q", job.ErrorMessage)
	}
}

func TestErrorMarkerWinsOverDone(t *testing.T) {
	h := newHarness(t, 1, nil)
	id := h.q.AddJob(queue.SourceMetadata{ID: "Y"})
	dispatchNext(t, h.q)
	waitStatus(t, h.q, id, queue.StatusDownloaded)
	advance(t, h.q, id, queue.StatusControlFileReady)
	advance(t, h.q, id, queue.StatusQueuedForBurn)

	for _, name := range []string{"Y.DON", "Y.ERR"} {
		if err := os.WriteFile(filepath.Join(h.dir, name), nil, 0o644); err != nil {
			t.Fatalf("write marker: %v", err)
		}
	}
	job := advance(t, h.q, id, queue.StatusFailed)
	if job.ErrorMessage != "Burner responded with error for job "+id {
		t.Fatalf("unexpected error message %q", job.ErrorMessage)
	}
}

func TestInProgressMarkerSetsHalfProgress(t *testing.T) {
	h := newHarness(t, 1, nil)
	id := h.q.AddJob(queue.SourceMetadata{ID: "Z"})
	dispatchNext(t, h.q)
	waitStatus(t, h.q, id, queue.StatusDownloaded)
	advance(t, h.q, id, queue.StatusControlFileReady)
	advance(t, h.q, id, queue.StatusQueuedForBurn)
	if err := os.WriteFile(filepath.Join(h.dir, "Z.INP"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	advance(t, h.q, id, queue.StatusBurning)
	waitFor(t, "progress 50", func() bool {
		job, _ := h.q.GetJob(id)
		return job.Progress == 50
	})
}

func TestBurnTimeoutFailsJob(t *testing.T) {
	h := newHarness(t, 1, func(o *queue.Options, d *queue.Dependencies) {
		o.BurnTimeout = 60 * time.Millisecond
		d.Reader = staticReader{status: markers.StatusWaiting}
	})
	id := h.q.AddJob(queue.SourceMetadata{ID: "slow"})
	dispatchNext(t, h.q)
	waitStatus(t, h.q, id, queue.StatusDownloaded)
	advance(t, h.q, id, queue.StatusControlFileReady)
	advance(t, h.q, id, queue.StatusQueuedForBurn)
	advance(t, h.q, id, queue.StatusBurning)

	job := waitStatus(t, h.q, id, queue.StatusFailed)
	if job.ErrorMessage != "Burning timed out" {
		t.Fatalf("unexpected error message %q", job.ErrorMessage)
	}
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	h := newHarness(t, 1, nil)
	var mu sync.Mutex
	events := 0
	h.q.Subscribe("counter", func(queue.Job) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	id := h.q.AddJob(queue.SourceMetadata{ID: "c"})
	if !h.q.CancelJob(id) {
		t.Fatal("expected cancel of pending job to succeed")
	}
	job, _ := h.q.GetJob(id)
	if job.Status != queue.StatusCancelled || job.ErrorMessage != "" {
		t.Fatalf("unexpected cancelled job: %+v", job)
	}
	waitFor(t, "two notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return events == 2
	})

	if h.q.CancelJob(id) {
		t.Fatal("expected cancel of terminal job to return false")
	}
	if h.q.CancelJob("missing") {
		t.Fatal("expected cancel of missing job to return false")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if events != 2 {
		t.Fatalf("expected no notification for no-op cancel, got %d events", events)
	}
	if _, ok := h.q.GetNextJob(); ok {
		t.Fatal("cancelled job must not be dispatched")
	}
}

func TestCancelDownloadingJobStopsFetch(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.fetcher.block = make(chan struct{})
	id := h.q.AddJob(queue.SourceMetadata{ID: "dl"})
	dispatchNext(t, h.q)
	waitStatus(t, h.q, id, queue.StatusDownloading)

	if !h.q.CancelJob(id) {
		t.Fatal("expected cancel to succeed")
	}
	if got := h.fetcher.cancelledIDs(); !slices.Equal(got, []string{"dl"}) {
		t.Fatalf("expected fetcher cancel for dl, got %v", got)
	}
	time.Sleep(30 * time.Millisecond)
	job, _ := h.q.GetJob(id)
	if job.Status != queue.StatusCancelled {
		t.Fatalf("late handler overwrote cancel: %s", job.Status)
	}
	if !h.q.HasCapacity() {
		t.Fatal("cancelled job still holds a slot")
	}
}

// stubbornFetcher lets the first call finish successfully once released,
// even after its context was cancelled. Later calls honour cancellation.
type stubbornFetcher struct {
	dir     string
	release chan struct{}

	mu      sync.Mutex
	calls   int
	aborted []int
}

func (f *stubbornFetcher) Fetch(ctx context.Context, src queue.SourceMetadata, _ queue.ProgressFunc) (queue.FetchResult, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	if call == 0 {
		<-f.release
		path := filepath.Join(f.dir, "attempt0.iso")
		if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
			return queue.FetchResult{}, err
		}
		return queue.FetchResult{Path: path, Size: 650 * queue.MiB}, nil
	}
	<-ctx.Done()
	f.mu.Lock()
	f.aborted = append(f.aborted, call)
	f.mu.Unlock()
	return queue.FetchResult{}, ctx.Err()
}

func (f *stubbornFetcher) Cancel(string) bool { return true }

func (f *stubbornFetcher) abortedCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.aborted)
}

func TestCancelledAttemptCannotCommitIntoRetry(t *testing.T) {
	fetcher := &stubbornFetcher{release: make(chan struct{})}
	h := newHarness(t, 2, func(o *queue.Options, d *queue.Dependencies) {
		o.Workers = 2
		d.Fetcher = fetcher
	})
	fetcher.dir = h.dir

	id := h.q.AddJob(queue.SourceMetadata{ID: "racy"})
	dispatchNext(t, h.q)
	if !h.q.CancelJob(id) {
		t.Fatal("expected cancel to succeed")
	}
	if !h.q.RetryJob(id) {
		t.Fatal("expected retry to succeed")
	}
	dispatchNext(t, h.q)
	waitStatus(t, h.q, id, queue.StatusDownloading)

	close(fetcher.release)

	// The worker slot frees only after the first handler has returned.
	other := h.q.AddJob(queue.SourceMetadata{ID: "other"})
	waitFor(t, "first attempt to release its worker slot", func() bool {
		job, ok := h.q.GetJob(other)
		return ok && job.Status == queue.StatusPending && h.q.StartProcessing(job)
	})

	if got := h.q.GetQueueStatus().Handlers; got != 2 {
		t.Fatalf("expected 2 running handlers, got %d", got)
	}

	job, _ := h.q.GetJob(id)
	if job.Status != queue.StatusDownloading || job.ImagePath != "" {
		t.Fatalf("first attempt leaked into the retry: status=%s image=%q", job.Status, job.ImagePath)
	}

	if !h.q.CancelJob(id) {
		t.Fatal("expected cancel of the retried attempt to succeed")
	}
	waitFor(t, "retried fetch to observe cancellation", func() bool {
		return slices.Contains(fetcher.abortedCalls(), 1)
	})
	if job, _ := h.q.GetJob(id); job.Status != queue.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
}

func TestRetryResetsJobToTail(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.fetcher.err = errors.New("connection reset")
	first := h.q.AddJob(queue.SourceMetadata{ID: "a"})
	dispatchNext(t, h.q)
	failed := waitStatus(t, h.q, first, queue.StatusFailed)
	if failed.ErrorMessage == "" {
		t.Fatal("expected error message on failed job")
	}
	second := h.q.AddJob(queue.SourceMetadata{ID: "b"})

	if h.q.RetryJob(second) {
		t.Fatal("retry of a pending job must be rejected")
	}
	if !h.q.RetryJob(first) {
		t.Fatal("expected retry of failed job to succeed")
	}
	job, _ := h.q.GetJob(first)
	if job.Status != queue.StatusPending || job.Progress != 0 || job.ErrorMessage != "" || job.ImagePath != "" || job.ControlFilePath != "" {
		t.Fatalf("retry did not reset the job: %+v", job)
	}
	if job.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", job.RetryCount)
	}

	next, ok := h.q.GetNextJob()
	if !ok || next.ID != second {
		t.Fatalf("expected %s before the retried job, got %+v", second, next)
	}
	h.fetcher.mu.Lock()
	h.fetcher.err = nil
	h.fetcher.mu.Unlock()
	if !h.q.StartProcessing(next) {
		t.Fatal("expected dispatch")
	}
	waitStatus(t, h.q, second, queue.StatusDownloaded)
	tail, ok := h.q.GetNextJob()
	if !ok || tail.ID != first {
		t.Fatalf("expected retried job at the tail, got %+v %v", tail, ok)
	}
}

func TestRetryRemovesPreviousArtifacts(t *testing.T) {
	h := newHarness(t, 1, nil)
	id := h.q.AddJob(queue.SourceMetadata{ID: "R"})
	dispatchNext(t, h.q)
	waitStatus(t, h.q, id, queue.StatusDownloaded)
	job := advance(t, h.q, id, queue.StatusControlFileReady)
	data := strings.TrimSuffix(job.ControlFilePath, ".jdf") + ".data"
	marker := filepath.Join(h.dir, "R.ERR")
	for _, path := range []string{data, marker} {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if !h.q.CancelJob(id) {
		t.Fatal("cancel failed")
	}
	if !h.q.RetryJob(id) {
		t.Fatal("retry failed")
	}
	for _, path := range []string{job.ImagePath, job.ControlFilePath, data, marker} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err=%v", path, err)
		}
	}
}

func TestCleanupCompletedHonoursMaxAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, 1, func(o *queue.Options, _ *queue.Dependencies) {
		o.Now = func() time.Time { return now }
	})
	maxAge := 7 * 24 * time.Hour
	boundary := now.Add(-maxAge)
	h.q.Restore([]queue.Job{
		{ID: "old-completed", Status: queue.StatusCompleted, CreatedAt: boundary.Add(-time.Hour), UpdatedAt: boundary.Add(-time.Second)},
		{ID: "edge-completed", Status: queue.StatusCompleted, CreatedAt: boundary.Add(-time.Hour), UpdatedAt: boundary},
		{ID: "old-failed", Status: queue.StatusFailed, CreatedAt: boundary.Add(-time.Hour), UpdatedAt: boundary.Add(-time.Minute)},
		{ID: "old-cancelled", Status: queue.StatusCancelled, CreatedAt: boundary.Add(-time.Hour), UpdatedAt: boundary.Add(-time.Minute)},
		{ID: "old-pending", Status: queue.StatusPending, CreatedAt: boundary.Add(-time.Hour), UpdatedAt: boundary.Add(-time.Minute)},
	})

	if removed := h.q.CleanupCompleted(maxAge); removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	for _, id := range []string{"old-completed", "old-failed"} {
		if _, ok := h.q.GetJob(id); ok {
			t.Fatalf("expected %s to be removed", id)
		}
	}
	for _, id := range []string{"edge-completed", "old-cancelled", "old-pending"} {
		if _, ok := h.q.GetJob(id); !ok {
			t.Fatalf("expected %s to be kept", id)
		}
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.q.Subscribe("panics", func(queue.Job) { panic("boom") })
	got := make(chan queue.Job, 4)
	h.q.Subscribe("healthy", func(job queue.Job) { got <- job })

	id := h.q.AddJob(queue.SourceMetadata{ID: "p"})
	select {
	case job := <-got:
		if job.ID != id {
			t.Fatalf("unexpected job %s", job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber was not notified")
	}
	second := h.q.AddJob(queue.SourceMetadata{ID: "p2"})
	select {
	case job := <-got:
		if job.ID != second {
			t.Fatalf("unexpected job %s", job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber stopped after a panic elsewhere")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t, 1, nil)
	got := make(chan string, 4)
	h.q.Subscribe("named", func(job queue.Job) { got <- job.ID })
	if !h.q.Unsubscribe("named") {
		t.Fatal("expected named subscriber to be removed")
	}
	h.q.AddJob(queue.SourceMetadata{ID: "u"})
	select {
	case id := <-got:
		t.Fatalf("unsubscribed callback received %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMarkNotificationSentLatch(t *testing.T) {
	h := newHarness(t, 1, nil)
	id := h.q.AddJob(queue.SourceMetadata{ID: "n"})
	h.q.CancelJob(id)

	if h.q.MarkNotificationSent(id, queue.StatusFailed) {
		t.Fatal("latch must not be set for a status the job is not in")
	}
	if !h.q.MarkNotificationSent(id, queue.StatusCancelled) {
		t.Fatal("expected first latch to succeed")
	}
	if h.q.MarkNotificationSent(id, queue.StatusCancelled) {
		t.Fatal("expected second latch to fail")
	}
	h.q.RetryJob(id)
	job, _ := h.q.GetJob(id)
	if job.NotificationSent {
		t.Fatal("latch must reset on status change")
	}
}

func TestRestoreRollsBackInterruptedJobs(t *testing.T) {
	h := newHarness(t, 2, nil)
	base := time.Now().Add(-time.Hour)
	loaded := h.q.Restore([]queue.Job{
		{ID: "burning", Status: queue.StatusBurning, Progress: 50, CreatedAt: base.Add(3 * time.Minute)},
		{ID: "downloading", Status: queue.StatusDownloading, Progress: 40, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "generating", Status: queue.StatusGeneratingControlFile, CreatedAt: base.Add(4 * time.Minute)},
		{ID: "pending", Status: queue.StatusPending, CreatedAt: base},
		{ID: "bogus", Status: queue.Status("exploded"), CreatedAt: base},
	})
	if loaded != 4 {
		t.Fatalf("expected 4 jobs loaded, got %d", loaded)
	}

	expect := map[string]queue.Status{
		"burning":     queue.StatusQueuedForBurn,
		"downloading": queue.StatusPending,
		"generating":  queue.StatusDownloaded,
		"pending":     queue.StatusPending,
	}
	for id, want := range expect {
		job, ok := h.q.GetJob(id)
		if !ok || job.Status != want {
			t.Fatalf("job %s: got %+v want %s", id, job.Status, want)
		}
	}
	if h.q.ActiveCount() != 0 {
		t.Fatal("restored jobs must not hold slots")
	}

	first, _ := h.q.GetNextJob()
	second, _ := h.q.GetNextJob()
	if first.ID != "pending" || second.ID != "downloading" {
		t.Fatalf("expected creation-order dispatch, got %s then %s", first.ID, second.ID)
	}

	var order []string
	for _, job := range h.q.GetAllJobs() {
		order = append(order, job.ID)
	}
	if !slices.Equal(order, []string{"pending", "downloading", "burning", "generating"}) {
		t.Fatalf("unexpected creation order %v", order)
	}
	ready := h.q.ReadyJobs()
	if len(ready) != 2 || ready[0].ID != "burning" || ready[1].ID != "generating" {
		t.Fatalf("unexpected ready jobs %+v", ready)
	}
}

func TestCloseStopsInFlightWork(t *testing.T) {
	dir := t.TempDir()
	fetcher := &fakeFetcher{dir: dir, size: queue.MiB, block: make(chan struct{})}
	q, err := queue.New(queue.Options{MaxConcurrent: 1}, queue.Dependencies{Fetcher: fetcher, Generator: &fakeGenerator{dir: dir}})
	if err != nil {
		t.Fatal(err)
	}
	id := q.AddJob(queue.SourceMetadata{ID: "shutdown"})
	job, _ := q.GetNextJob()
	if !q.StartProcessing(job) {
		t.Fatal("expected dispatch")
	}

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	got, _ := q.GetJob(id)
	if got.Status != queue.StatusDownloading {
		t.Fatalf("shutdown must leave the job for restart rollback, got %s", got.Status)
	}
	if q.StartProcessing(got) {
		t.Fatal("closed queue must not dispatch")
	}
}
