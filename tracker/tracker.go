// Package tracker implements the in-memory background-task queue: upload
// progress tracking with simulated parsing progress, reconciliation polling
// against the portal's document list, and SSE-driven approval watches.
package tracker

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/docsignal/doctrack/portal"
	"github.com/docsignal/doctrack/task"
)

// Default tuning, used when Config leaves the fields zero.
const (
	defaultPollInterval = 3 * time.Second
	defaultSimInterval  = 500 * time.Millisecond
	defaultSimCeiling   = 90
)

// DocumentSource is the portal surface the tracker consumes.
type DocumentSource interface {
	Upload(ctx context.Context, ur portal.UploadRequest, onProgress func(float64)) (*portal.Document, error)
	FetchDocuments(ctx context.Context, deptID, projectID int) ([]portal.Document, error)
	WatchRequest(ctx context.Context, requestID int) (<-chan portal.RequestEvent, error)
}

// Config wires a Tracker's dependencies.
type Config struct {
	Portal  DocumentSource
	Logger  *slog.Logger
	Journal *task.History // optional terminal-transition journal

	PollInterval time.Duration
	SimInterval  time.Duration
	SimCeiling   float64

	// Initial department/project context for document fetches.
	DepartmentID int
	ProjectID    int
}

// record is a queued task plus its owned runtime handles. The handles are
// torn down from one place (teardownLocked) for both removal and terminal
// transitions so no timer or connection outlives its task.
type record struct {
	task      task.Task
	simStop   chan struct{}      // nil when no simulator is running
	sseCancel context.CancelFunc // nil when no event stream is open
	startedAt time.Time
}

// Tracker is the single source of truth for background tasks. It mediates
// between portal operations and the UI: one instance owns its task map,
// document cache, and the single reconciliation-poll timer.
type Tracker struct {
	mu  sync.Mutex
	cfg Config

	tasks map[string]*record
	order []string // insertion order for stable snapshots

	docs       []portal.Document
	selectedID int // 0 when nothing selected

	deptID    int
	projectID int

	pollStop chan struct{} // non-nil while the poller runs

	subs    map[int]func()
	nextSub int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New creates a Tracker. Call Close to release all timers and connections.
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SimInterval <= 0 {
		cfg.SimInterval = defaultSimInterval
	}
	if cfg.SimCeiling <= 0 {
		cfg.SimCeiling = defaultSimCeiling
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		cfg:       cfg,
		tasks:     make(map[string]*record),
		subs:      make(map[int]func()),
		deptID:    cfg.DepartmentID,
		projectID: cfg.ProjectID,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// EnqueueUpload registers an upload task for the file at path and starts the
// upload in the background. The task id is the file's base name; an existing
// task with the same id is replaced. The real transfer percentage maps onto
// the first half of the displayed progress bar; the parsing half is
// simulated until the poller confirms completion.
func (t *Tracker) EnqueueUpload(path string, spec task.UploadSpec) string {
	id := filepath.Base(path)
	spec.Path = path

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return id
	}
	t.insertLocked(&record{
		task: task.Task{
			ID:       id,
			Kind:     task.KindUpload,
			FileName: id,
			Status:   task.StatusUploading,
			Upload:   &spec,
		},
		startedAt: time.Now(),
	})
	t.wg.Add(1) // under the lock so Close cannot Wait concurrently
	t.mu.Unlock()
	t.notify()

	go t.runUpload(id, spec)
	return id
}

// runUpload performs the real upload and drives the task through
// UPLOADING -> PARSING or -> ERROR.
func (t *Tracker) runUpload(id string, spec task.UploadSpec) {
	defer t.wg.Done()

	ur := portal.UploadRequest{
		Path:         spec.Path,
		DepartmentID: spec.DepartmentID,
		ProjectID:    spec.ProjectID,
		UserID:       spec.UserID,
		Category:     spec.Category,
	}
	_, err := t.cfg.Portal.Upload(t.baseCtx, ur, func(raw float64) {
		// Network transfer is the first half of the bar.
		t.UpdateProgress(id, raw*0.5)
	})
	if err != nil {
		t.cfg.Logger.Warn("upload failed", slog.String("id", id), slog.Any("err", err))
		t.UpdateStatus(id, task.StatusError, err.Error())
		return
	}

	t.UpdateStatus(id, task.StatusParsing, "")
	t.startSimulator(id)
	t.Refresh(t.baseCtx)
}

// WatchRequest registers an approval-request task and opens its event
// stream. A missing portal token is an immediate ERROR: the task appears in
// the queue but no connection is attempted.
func (t *Tracker) WatchRequest(requestID int, displayName string) string {
	id := task.RequestTaskID(requestID)

	ctx, cancel := context.WithCancel(t.baseCtx)

	rec := &record{
		task: task.Task{
			ID:       id,
			Kind:     task.KindRequest,
			FileName: displayName,
			Status:   task.StatusProcessing,
			Request:  &task.RequestSpec{RequestID: requestID},
		},
		sseCancel: cancel,
		startedAt: time.Now(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return id
	}
	t.insertLocked(rec)
	t.wg.Add(1)
	t.mu.Unlock()
	t.notify()

	events, err := t.cfg.Portal.WatchRequest(ctx, requestID)
	if err != nil {
		cancel()
		t.wg.Done()
		t.cfg.Logger.Warn("event stream open failed", slog.String("id", id), slog.Any("err", err))
		t.UpdateStatus(id, task.StatusError, err.Error())
		return id
	}

	go t.consumeRequestEvents(id, rec, events)
	return id
}

// consumeRequestEvents applies pushed progress/status updates to the task.
// rec is this watcher's own record: once a newer enqueue replaces it, the
// watcher must not touch the task that superseded it.
func (t *Tracker) consumeRequestEvents(id string, rec *record, events <-chan portal.RequestEvent) {
	defer t.wg.Done()

	for ev := range events {
		if !t.ownsTask(id, rec) {
			return
		}
		switch {
		case ev.Err != nil:
			t.UpdateStatus(id, task.StatusError, "connection lost")
			return
		case ev.Status == portal.EventStatusDone || ev.Status == portal.EventStatusApproved:
			t.UpdateProgress(id, 100)
			t.UpdateStatus(id, task.StatusCompleted, "")
			// Surface the newly approved document right away.
			t.Refresh(t.baseCtx)
			return
		case ev.Status == portal.EventStatusFailed:
			msg := ev.Error
			if msg == "" {
				msg = "approval processing failed"
			}
			t.UpdateStatus(id, task.StatusError, msg)
			return
		case ev.Progress != nil:
			t.UpdateProgress(id, *ev.Progress)
		}
	}

	// Stream ended without a terminal status. Treat like a transport error;
	// there is no automatic reconnect. A watcher replaced by a newer enqueue
	// skips this: its stream closed because the replacement canceled it.
	t.mu.Lock()
	cur, ok := t.tasks[id]
	stale := !ok || cur != rec || cur.task.Status.Terminal()
	t.mu.Unlock()
	if !stale {
		t.UpdateStatus(id, task.StatusError, "connection lost")
	}
}

// ownsTask reports whether rec is still the live record for id.
func (t *Tracker) ownsTask(id string, rec *record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tasks[id] == rec
}

// UpdateProgress sets the task's displayed progress. Writes for absent or
// terminal tasks are discarded, and progress never moves backwards.
func (t *Tracker) UpdateProgress(id string, value float64) {
	t.mu.Lock()
	rec, ok := t.tasks[id]
	if !ok || t.closed || rec.task.Status.Terminal() || value <= rec.task.Progress {
		t.mu.Unlock()
		return
	}
	if value > 100 {
		value = 100
	}
	rec.task.Progress = value
	t.mu.Unlock()
	t.notify()
}

// UpdateStatus sets the task's status (and error message). A transition to a
// terminal status stops the simulator, closes any event stream, forces
// progress to 100 on COMPLETED, and journals the transition. No-op for an
// absent id.
func (t *Tracker) UpdateStatus(id string, status task.Status, errMsg string) {
	t.mu.Lock()
	rec, ok := t.tasks[id]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	rec.task.Status = status
	rec.task.Error = ""
	if status == task.StatusError {
		rec.task.Error = errMsg
	}

	var entry *task.Entry
	if status.Terminal() {
		t.teardownLocked(rec)
		if status == task.StatusCompleted {
			rec.task.Progress = 100
		}
		if t.cfg.Journal != nil {
			entry = &task.Entry{
				TaskID:    rec.task.ID,
				Kind:      rec.task.Kind,
				FileName:  rec.task.FileName,
				Status:    status,
				Error:     rec.task.Error,
				StartedAt: rec.startedAt.UTC(),
			}
		}
	}
	t.mu.Unlock()

	if entry != nil {
		if err := t.cfg.Journal.Record(entry); err != nil {
			t.cfg.Logger.Warn("journal record failed", slog.String("id", id), slog.Any("err", err))
		}
	}
	t.notify()
}

// Retry re-runs a failed upload with its retained file and metadata. Only an
// upload task in ERROR can be retried; anything else is a no-op.
func (t *Tracker) Retry(id string) {
	t.mu.Lock()
	rec, ok := t.tasks[id]
	if !ok || t.closed || rec.task.Kind != task.KindUpload || rec.task.Status != task.StatusError || rec.task.Upload == nil {
		t.mu.Unlock()
		return
	}
	spec := *rec.task.Upload
	rec.task.Status = task.StatusUploading
	rec.task.Progress = 0
	rec.task.Error = ""
	rec.startedAt = time.Now()
	t.wg.Add(1)
	t.mu.Unlock()
	t.notify()

	go t.runUpload(id, spec)
}

// Remove dismisses a task, tearing down its simulator and event stream.
// Safe to call on an absent id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	rec, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	t.teardownLocked(rec)
	delete(t.tasks, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.notify()
}

// SetContext switches the department/project scope and refreshes the
// document list for it.
func (t *Tracker) SetContext(deptID, projectID int) {
	t.mu.Lock()
	t.deptID = deptID
	t.projectID = projectID
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.Refresh(t.baseCtx)
	}()
}

// Context returns the current department/project scope.
func (t *Tracker) Context() (deptID, projectID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deptID, t.projectID
}

// Tasks returns a snapshot of all tasks in enqueue order.
func (t *Tracker) Tasks() []*task.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*task.Task, 0, len(t.order))
	for _, id := range t.order {
		if rec, ok := t.tasks[id]; ok {
			out = append(out, rec.task.Clone())
		}
	}
	return out
}

// Get returns a snapshot of one task.
func (t *Tracker) Get(id string) (*task.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.tasks[id]
	if !ok {
		return nil, false
	}
	return rec.task.Clone(), true
}

// Documents returns the cached document list from the last refresh.
func (t *Tracker) Documents() []portal.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]portal.Document, len(t.docs))
	copy(out, t.docs)
	return out
}

// SelectDocument marks a document as selected; id 0 clears the selection.
// Refreshes keep the selection pointing at the updated record.
func (t *Tracker) SelectDocument(id int) {
	t.mu.Lock()
	t.selectedID = id
	t.mu.Unlock()
	t.notify()
}

// SelectedDocument returns the currently selected document, if any.
func (t *Tracker) SelectedDocument() (portal.Document, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.selectedID == 0 {
		return portal.Document{}, false
	}
	for _, d := range t.docs {
		if d.ID == t.selectedID {
			return d, true
		}
	}
	return portal.Document{}, false
}

// Subscribe registers a change-notification callback, invoked after every
// queue or document-cache mutation. The returned function unsubscribes.
func (t *Tracker) Subscribe(fn func()) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// Close stops the poller and tears down every task's timers and connections.
// The tracker accepts no new work afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.stopPollingLocked()
	for _, rec := range t.tasks {
		t.teardownLocked(rec)
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

// insertLocked replaces any task with the same id, tearing down the old
// record's handles first so its timers cannot touch the new task.
func (t *Tracker) insertLocked(rec *record) {
	if old, ok := t.tasks[rec.task.ID]; ok {
		t.teardownLocked(old)
	} else {
		t.order = append(t.order, rec.task.ID)
	}
	t.tasks[rec.task.ID] = rec
}

// teardownLocked releases a record's owned handles. Idempotent.
func (t *Tracker) teardownLocked(rec *record) {
	if rec.simStop != nil {
		close(rec.simStop)
		rec.simStop = nil
	}
	if rec.sseCancel != nil {
		rec.sseCancel()
		rec.sseCancel = nil
	}
}

// notify invokes subscribers outside the lock.
func (t *Tracker) notify() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
