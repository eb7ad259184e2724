package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docsignal/doctrack/task"
)

const maxUploadBytes = 512 << 20

// handleListTasks returns the current task queue snapshot.
func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.tracker.Tasks()
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleUpload spools a multipart upload to disk and enqueues it. The
// response returns immediately; progress is tracked through the queue.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	spec := task.UploadSpec{
		DepartmentID: formInt(r, "dept_id"),
		ProjectID:    formInt(r, "project_id"),
		UserID:       formInt(r, "user_id"),
		Category:     r.FormValue("category"),
	}

	dir := filepath.Join(s.cfg.DataDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "spool dir: "+err.Error())
		return
	}
	// The base name is the task id, so keep it intact.
	path := filepath.Join(dir, filepath.Base(header.Filename))
	dst, err := os.Create(path)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "spool file: "+err.Error())
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		writeJSONError(w, http.StatusInternalServerError, "spool write: "+err.Error())
		return
	}
	dst.Close()

	id := s.tracker.EnqueueUpload(path, spec)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// watchRequest is the body accepted by POST /api/watches.
type watchRequest struct {
	RequestID int    `json:"request_id"`
	Name      string `json:"name"`
}

// handleWatch enqueues an approval-request watch task.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RequestID <= 0 {
		writeJSONError(w, http.StatusBadRequest, "request_id must be positive")
		return
	}
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("request #%d", req.RequestID)
	}
	id := s.tracker.WatchRequest(req.RequestID, name)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleRetry re-runs a failed upload task.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tsk, ok := s.tracker.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if tsk.Kind != task.KindUpload || tsk.Status != task.StatusError {
		writeJSONError(w, http.StatusConflict, "task is not a failed upload")
		return
	}
	s.tracker.Retry(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRemove dismisses a task. Removing an unknown id is still a 204: the
// operation is a no-op by contract.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.tracker.Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// handleDocuments returns the cached portal document list.
func (s *Server) handleDocuments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Documents())
}

// contextRequest is the body accepted by PUT /api/context.
type contextRequest struct {
	DepartmentID int `json:"dept_id"`
	ProjectID    int `json:"project_id"`
}

// handleSetContext switches the tracked department/project scope.
func (s *Server) handleSetContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.tracker.SetContext(req.DepartmentID, req.ProjectID)
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory lists journaled terminal transitions.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []*task.Entry{})
		return
	}
	q := r.URL.Query()
	filter := task.HistoryFilter{
		Kind:   task.Kind(q.Get("kind")),
		Status: task.Status(q.Get("status")),
		Limit:  50,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	entries, err := s.history.List(filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*task.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleStatus reports daemon health and queue counts.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	tasks := s.tracker.Tasks()
	var active int
	for _, tsk := range tasks {
		if !tsk.Status.Terminal() {
			active++
		}
	}
	deptID, projectID := s.tracker.Context()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      s.version,
		"uptime":       time.Since(s.startTime).Round(time.Second).String(),
		"polling":      s.tracker.Polling(),
		"tasks":        len(tasks),
		"tasks_active": active,
		"dept_id":      deptID,
		"project_id":   projectID,
	})
}

func formInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.FormValue(key))
	return n
}
