package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/docsignal/doctrack/portal"
	"github.com/docsignal/doctrack/task"
)

// StartPolling begins the reconciliation poll loop. Idempotent: a second
// call while the poller runs is a no-op, so at most one live ticker exists
// per tracker.
func (t *Tracker) StartPolling() {
	t.mu.Lock()
	if t.pollStop != nil || t.closed {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.pollStop = stop
	t.wg.Add(1)
	t.mu.Unlock()

	go t.poll(stop)
}

// StopPolling cancels the repeating fetch. Idempotent.
func (t *Tracker) StopPolling() {
	t.mu.Lock()
	t.stopPollingLocked()
	t.mu.Unlock()
}

func (t *Tracker) stopPollingLocked() {
	if t.pollStop != nil {
		close(t.pollStop)
		t.pollStop = nil
	}
}

// Polling reports whether the poll loop is currently running.
func (t *Tracker) Polling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollStop != nil
}

func (t *Tracker) poll(stop chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Refresh(t.baseCtx)
			t.mu.Lock()
			alive := t.pollStop == stop
			t.mu.Unlock()
			if !alive {
				return
			}
		}
	}
}

// Refresh fetches the document list for the current context, reconciles
// in-flight upload tasks against it, and starts or stops polling depending
// on whether anything is still in flight. It is the body of one poll tick
// and is also invoked directly after uploads, approvals, and context
// switches.
func (t *Tracker) Refresh(ctx context.Context) {
	t.mu.Lock()
	deptID, projectID := t.deptID, t.projectID
	t.mu.Unlock()

	docs, err := t.cfg.Portal.FetchDocuments(ctx, deptID, projectID)
	if err != nil {
		// Stop rather than retry forever; the next upload or context
		// change restarts polling.
		t.cfg.Logger.Warn("document fetch failed", slog.Any("err", err))
		t.StopPolling()
		return
	}

	t.mu.Lock()
	t.docs = docs
	transitions := t.reconcileLocked(docs)
	active := t.anyActiveLocked(docs)
	t.mu.Unlock()

	for _, tr := range transitions {
		t.UpdateStatus(tr.id, tr.status, tr.errMsg)
	}
	t.notify()

	if active {
		t.StartPolling()
	} else {
		t.StopPolling()
	}
}

type transition struct {
	id     string
	status task.Status
	errMsg string
}

// reconcileLocked matches PARSING upload tasks against the fresh document
// list by normalized filename and returns the terminal transitions to apply
// once the lock is released.
func (t *Tracker) reconcileLocked(docs []portal.Document) []transition {
	var out []transition
	for _, id := range t.order {
		rec, ok := t.tasks[id]
		if !ok || rec.task.Kind != task.KindUpload || rec.task.Status != task.StatusParsing {
			continue
		}
		doc, found := findByFilename(docs, rec.task.FileName)
		if !found {
			continue
		}
		switch doc.Status {
		case portal.DocStatusCompleted, portal.DocStatusParsing:
			// The document made it into the list: the upload's parse stage
			// is done from the queue's point of view.
			out = append(out, transition{id: id, status: task.StatusCompleted})
		case portal.DocStatusFailed:
			out = append(out, transition{id: id, status: task.StatusError, errMsg: "server processing failed"})
		}
	}
	return out
}

// anyActiveLocked decides whether polling should continue: true when any
// fetched document is still processing server-side or any queued task is
// non-terminal.
func (t *Tracker) anyActiveLocked(docs []portal.Document) bool {
	for _, d := range docs {
		if d.Status.Active() {
			return true
		}
	}
	for _, rec := range t.tasks {
		if !rec.task.Status.Terminal() {
			return true
		}
	}
	return false
}
