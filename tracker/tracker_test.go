package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/docsignal/doctrack/portal"
	"github.com/docsignal/doctrack/task"
)

// fakePortal implements DocumentSource with swappable behavior.
type fakePortal struct {
	mu         sync.Mutex
	uploadFn   func(ctx context.Context, ur portal.UploadRequest, onProgress func(float64)) (*portal.Document, error)
	fetchFn    func(ctx context.Context, deptID, projectID int) ([]portal.Document, error)
	watchFn    func(ctx context.Context, requestID int) (<-chan portal.RequestEvent, error)
	fetchCount int
}

func (f *fakePortal) Upload(ctx context.Context, ur portal.UploadRequest, onProgress func(float64)) (*portal.Document, error) {
	f.mu.Lock()
	fn := f.uploadFn
	f.mu.Unlock()
	if fn == nil {
		return &portal.Document{ID: 1, OriginalFilename: ur.Path}, nil
	}
	return fn(ctx, ur, onProgress)
}

func (f *fakePortal) FetchDocuments(ctx context.Context, deptID, projectID int) ([]portal.Document, error) {
	f.mu.Lock()
	f.fetchCount++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, deptID, projectID)
}

func (f *fakePortal) WatchRequest(ctx context.Context, requestID int) (<-chan portal.RequestEvent, error) {
	f.mu.Lock()
	fn := f.watchFn
	f.mu.Unlock()
	if fn == nil {
		// Stays open (task remains PROCESSING) until the watch is canceled.
		ch := make(chan portal.RequestEvent)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	return fn(ctx, requestID)
}

func (f *fakePortal) setUpload(fn func(ctx context.Context, ur portal.UploadRequest, onProgress func(float64)) (*portal.Document, error)) {
	f.mu.Lock()
	f.uploadFn = fn
	f.mu.Unlock()
}

func (f *fakePortal) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount
}

func newTestTracker(t *testing.T, fp *fakePortal) *Tracker {
	t.Helper()
	tr := New(Config{
		Portal:       fp,
		Logger:       slog.New(slog.DiscardHandler),
		PollInterval: 20 * time.Millisecond,
		SimInterval:  5 * time.Millisecond,
		SimCeiling:   90,
	})
	t.Cleanup(tr.Close)
	return tr
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestEnqueueUpload_ScalesNetworkProgress(t *testing.T) {
	fp := &fakePortal{}
	release := make(chan struct{})
	fp.setUpload(func(ctx context.Context, _ portal.UploadRequest, onProgress func(float64)) (*portal.Document, error) {
		onProgress(50)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		onProgress(100)
		return &portal.Document{ID: 1}, nil
	})
	tr := newTestTracker(t, fp)

	id := tr.EnqueueUpload("/tmp/report.pdf", task.UploadSpec{DepartmentID: 1, ProjectID: 1})
	if id != "report.pdf" {
		t.Fatalf("id = %q, want report.pdf", id)
	}

	// Network transfer maps to the first half of the bar.
	waitFor(t, "progress 25", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Progress == 25 && tsk.Status == task.StatusUploading
	})

	close(release)
	waitFor(t, "status PARSING", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Status == task.StatusParsing
	})
}

func TestEnqueueUpload_NetworkFailure(t *testing.T) {
	fp := &fakePortal{}
	fp.setUpload(func(context.Context, portal.UploadRequest, func(float64)) (*portal.Document, error) {
		return nil, errors.New("Network Error")
	})
	tr := newTestTracker(t, fp)

	id := tr.EnqueueUpload("/tmp/bad.pdf", task.UploadSpec{})
	waitFor(t, "status ERROR", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Status == task.StatusError
	})

	tsk, _ := tr.Get(id)
	if tsk.Error != "Network Error" {
		t.Errorf("Error = %q, want Network Error", tsk.Error)
	}
	if tsk.Upload == nil {
		t.Error("failed upload lost its retained spec")
	}
}

func TestEnqueueUpload_ReplacesExistingID(t *testing.T) {
	fp := &fakePortal{}
	block := make(chan struct{})
	defer close(block)
	fp.setUpload(func(ctx context.Context, _ portal.UploadRequest, _ func(float64)) (*portal.Document, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	tr := newTestTracker(t, fp)

	tr.EnqueueUpload("/a/dup.pdf", task.UploadSpec{DepartmentID: 1})
	tr.EnqueueUpload("/b/dup.pdf", task.UploadSpec{DepartmentID: 2})

	tasks := tr.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("queue has %d tasks, want 1", len(tasks))
	}
	if tasks[0].Upload.DepartmentID != 2 {
		t.Errorf("latest enqueue did not win: dept = %d", tasks[0].Upload.DepartmentID)
	}
}

func TestRetry_ResetsFailedUpload(t *testing.T) {
	fp := &fakePortal{}
	fp.setUpload(func(context.Context, portal.UploadRequest, func(float64)) (*portal.Document, error) {
		return nil, errors.New("boom")
	})
	tr := newTestTracker(t, fp)

	id := tr.EnqueueUpload("/tmp/bad.pdf", task.UploadSpec{DepartmentID: 3})
	waitFor(t, "status ERROR", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Status == task.StatusError
	})

	// Second attempt hangs so the reset state is observable.
	block := make(chan struct{})
	defer close(block)
	var gotSpec portal.UploadRequest
	var specMu sync.Mutex
	fp.setUpload(func(ctx context.Context, ur portal.UploadRequest, _ func(float64)) (*portal.Document, error) {
		specMu.Lock()
		gotSpec = ur
		specMu.Unlock()
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})

	tr.Retry(id)
	waitFor(t, "status UPLOADING", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Status == task.StatusUploading && tsk.Progress == 0 && tsk.Error == ""
	})

	waitFor(t, "retry reuses original metadata", func() bool {
		specMu.Lock()
		defer specMu.Unlock()
		return gotSpec.DepartmentID == 3
	})
}

func TestRetry_IgnoresNonError(t *testing.T) {
	fp := &fakePortal{}
	block := make(chan struct{})
	defer close(block)
	fp.setUpload(func(ctx context.Context, _ portal.UploadRequest, _ func(float64)) (*portal.Document, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	tr := newTestTracker(t, fp)

	id := tr.EnqueueUpload("/tmp/live.pdf", task.UploadSpec{})
	tr.Retry(id) // still UPLOADING, must be a no-op

	tsk, _ := tr.Get(id)
	if tsk.Status != task.StatusUploading {
		t.Errorf("Status = %q, want UPLOADING", tsk.Status)
	}
}

func TestWatchRequest_PushUpdates(t *testing.T) {
	fp := &fakePortal{}
	src := make(chan portal.RequestEvent)
	fp.watchFn = func(ctx context.Context, requestID int) (<-chan portal.RequestEvent, error) {
		out := make(chan portal.RequestEvent, 16)
		go func() {
			defer close(out)
			for {
				select {
				case ev, ok := <-src:
					if !ok {
						return
					}
					out <- ev
					switch ev.Status {
					case portal.EventStatusDone, portal.EventStatusApproved, portal.EventStatusFailed:
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
	tr := newTestTracker(t, fp)

	id := tr.WatchRequest(42, "quarterly report")
	if id != "req-42" {
		t.Fatalf("id = %q, want req-42", id)
	}
	tsk, _ := tr.Get(id)
	if tsk.Status != task.StatusProcessing || tsk.Progress != 0 {
		t.Fatalf("initial task = %s/%.0f, want PROCESSING/0", tsk.Status, tsk.Progress)
	}

	forty := 40.0
	src <- portal.RequestEvent{Progress: &forty}
	waitFor(t, "progress 40", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Progress == 40
	})

	before := fp.fetches()
	src <- portal.RequestEvent{Status: portal.EventStatusApproved}
	waitFor(t, "status COMPLETED", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Status == task.StatusCompleted && tsk.Progress == 100
	})
	waitFor(t, "approval triggers document refresh", func() bool {
		return fp.fetches() > before
	})
}

func TestWatchRequest_RewatchReplacesCleanly(t *testing.T) {
	fp := &fakePortal{}
	tr := newTestTracker(t, fp)

	tr.WatchRequest(42, "first")
	id := tr.WatchRequest(42, "second")

	// Replacing the watch cancels the first watcher's stream, which closes
	// without a terminal status. Its end-of-stream handling must not touch
	// the task that superseded it.
	time.Sleep(50 * time.Millisecond)

	tasks := tr.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("queue has %d tasks, want 1", len(tasks))
	}
	tsk, _ := tr.Get(id)
	if tsk.Status != task.StatusProcessing {
		t.Fatalf("Status = %q (error %q), want PROCESSING", tsk.Status, tsk.Error)
	}
	if tsk.FileName != "second" {
		t.Errorf("FileName = %q, latest enqueue did not win", tsk.FileName)
	}
}

func TestWatchRequest_ServerFailure(t *testing.T) {
	fp := &fakePortal{}
	fp.watchFn = func(context.Context, int) (<-chan portal.RequestEvent, error) {
		out := make(chan portal.RequestEvent, 1)
		out <- portal.RequestEvent{Status: portal.EventStatusFailed, Error: "quota exceeded"}
		close(out)
		return out, nil
	}
	tr := newTestTracker(t, fp)

	id := tr.WatchRequest(7, "doomed")
	waitFor(t, "status ERROR", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Status == task.StatusError && tsk.Error == "quota exceeded"
	})
}

func TestWatchRequest_NoToken(t *testing.T) {
	fp := &fakePortal{}
	fp.watchFn = func(context.Context, int) (<-chan portal.RequestEvent, error) {
		return nil, portal.ErrNoToken
	}
	tr := newTestTracker(t, fp)

	id := tr.WatchRequest(7, "no auth")
	waitFor(t, "immediate ERROR", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Status == task.StatusError
	})
}

func TestWatchRequest_TransportError(t *testing.T) {
	fp := &fakePortal{}
	fp.watchFn = func(context.Context, int) (<-chan portal.RequestEvent, error) {
		out := make(chan portal.RequestEvent, 1)
		out <- portal.RequestEvent{Err: errors.New("unexpected EOF")}
		close(out)
		return out, nil
	}
	tr := newTestTracker(t, fp)

	id := tr.WatchRequest(9, "flaky")
	waitFor(t, "connection lost", func() bool {
		tsk, ok := tr.Get(id)
		return ok && tsk.Status == task.StatusError && tsk.Error == "connection lost"
	})
}

func TestUpdateProgress_MonotonicWhileActive(t *testing.T) {
	tr := newTestTracker(t, &fakePortal{})
	id := tr.WatchRequest(1, "x")

	tr.UpdateProgress(id, 60)
	tr.UpdateProgress(id, 30) // backwards, ignored
	tsk, _ := tr.Get(id)
	if tsk.Progress != 60 {
		t.Errorf("Progress = %.0f, want 60", tsk.Progress)
	}
}

func TestUpdateStatus_CompletedForcesProgress(t *testing.T) {
	tr := newTestTracker(t, &fakePortal{})
	id := tr.WatchRequest(1, "x")

	tr.UpdateProgress(id, 42)
	tr.UpdateStatus(id, task.StatusCompleted, "")
	tsk, _ := tr.Get(id)
	if tsk.Progress != 100 {
		t.Errorf("Progress = %.0f after COMPLETED, want 100", tsk.Progress)
	}

	// Writes after a terminal status are discarded.
	tr.UpdateProgress(id, 50)
	tsk, _ = tr.Get(id)
	if tsk.Progress != 100 {
		t.Errorf("Progress = %.0f after terminal write, want 100", tsk.Progress)
	}
}

func TestUpdates_NoOpOnAbsentID(t *testing.T) {
	tr := newTestTracker(t, &fakePortal{})
	tr.UpdateProgress("ghost", 10)
	tr.UpdateStatus("ghost", task.StatusCompleted, "")
	if len(tr.Tasks()) != 0 {
		t.Error("mutations on absent id created a task")
	}
}

func TestRemove_Idempotent(t *testing.T) {
	tr := newTestTracker(t, &fakePortal{})
	id := tr.WatchRequest(5, "x")

	tr.Remove(id)
	tr.Remove(id) // second call is a no-op

	if _, ok := tr.Get(id); ok {
		t.Error("task still present after Remove")
	}

	// A late write for the removed id must not resurrect it.
	tr.UpdateProgress(id, 99)
	if len(tr.Tasks()) != 0 {
		t.Error("removed task mutated after removal")
	}
}

func TestClose_ConcurrentEnqueue(t *testing.T) {
	fp := &fakePortal{}
	fp.setUpload(func(ctx context.Context, _ portal.UploadRequest, _ func(float64)) (*portal.Document, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	tr := newTestTracker(t, fp)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.EnqueueUpload(fmt.Sprintf("/tmp/f%d.pdf", n), task.UploadSpec{})
			tr.WatchRequest(100+n, "w")
		}(i)
	}
	tr.Close()
	wg.Wait()

	// The tracker accepts no new work afterwards.
	tr.EnqueueUpload("/tmp/late.pdf", task.UploadSpec{})
	if _, ok := tr.Get("late.pdf"); ok {
		t.Error("enqueue accepted after Close")
	}
}

func TestSubscribe_NotifiesAndUnsubscribes(t *testing.T) {
	tr := newTestTracker(t, &fakePortal{})

	var mu sync.Mutex
	calls := 0
	unsub := tr.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	id := tr.WatchRequest(3, "x")
	waitFor(t, "subscriber called", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls > 0
	})

	unsub()
	mu.Lock()
	before := calls
	mu.Unlock()
	tr.UpdateProgress(id, 10)
	mu.Lock()
	after := calls
	mu.Unlock()
	if after != before {
		t.Errorf("subscriber called after unsubscribe (%d -> %d)", before, after)
	}
}
