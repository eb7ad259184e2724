package tracker

import (
	"math/rand/v2"
	"time"

	"github.com/docsignal/doctrack/task"
)

// startSimulator begins the fake-progress ticker for a task whose real
// completion fraction is unknown (server-side parsing). Each tick adds a
// small random increment while the task is PARSING, but never past the
// ceiling: the final jump to 100 belongs to the authoritative signal.
// Any previous simulator for the id is stopped first.
func (t *Tracker) startSimulator(id string) {
	t.mu.Lock()
	rec, ok := t.tasks[id]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	if rec.simStop != nil {
		close(rec.simStop)
	}
	stop := make(chan struct{})
	rec.simStop = stop
	t.wg.Add(1)
	t.mu.Unlock()

	go t.simulate(id, stop)
}

func (t *Tracker) simulate(id string, stop chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.simTick(id, stop) {
				return
			}
		}
	}
}

// simTick applies one simulated increment. It returns false when this
// simulator no longer owns the task (stopped, replaced, or removed), which
// guarantees no write ever lands after a terminal transition or removal.
func (t *Tracker) simTick(id string, stop chan struct{}) bool {
	t.mu.Lock()
	rec, ok := t.tasks[id]
	if !ok || rec.simStop != stop {
		t.mu.Unlock()
		return false
	}
	if rec.task.Status != task.StatusParsing {
		t.mu.Unlock()
		return true
	}
	changed := false
	if next := rec.task.Progress + 0.5 + rand.Float64(); next < t.cfg.SimCeiling {
		rec.task.Progress = next
		changed = true
	}
	t.mu.Unlock()

	if changed {
		t.notify()
	}
	return true
}
