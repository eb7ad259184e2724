// Package task defines the background-task model and the terminal-transition
// journal for document operations tracked against the portal.
package task

import "fmt"

// Kind discriminates the two task variants.
type Kind string

const (
	KindUpload  Kind = "upload"  // multipart upload + server-side parsing
	KindRequest Kind = "request" // approval request watched over SSE
)

// Status represents the lifecycle state of a task.
//
// Upload tasks move UPLOADING -> PARSING -> COMPLETED, or to ERROR from
// either state. Request tasks move PROCESSING -> COMPLETED or ERROR.
type Status string

const (
	StatusUploading  Status = "UPLOADING"
	StatusParsing    Status = "PARSING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// Terminal reports whether s is a terminal display state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// UploadSpec is the retained input of an upload task. It survives an ERROR
// transition so Retry can resynthesize the same upload.
type UploadSpec struct {
	Path         string `json:"path"` // local file path
	DepartmentID int    `json:"department_id"`
	ProjectID    int    `json:"project_id"`
	UserID       int    `json:"user_id"`
	Category     string `json:"category,omitempty"`
}

// RequestSpec is the retained input of an approval-request watch task.
type RequestSpec struct {
	RequestID int `json:"request_id"`
}

// Task is one tracked background operation. Exactly one of Upload or Request
// is set, matching Kind; consumers switch on Kind and must handle both.
type Task struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	FileName string  `json:"file_name"`
	Progress float64 `json:"progress"` // 0-100, monotonic while non-terminal
	Status   Status  `json:"status"`
	Error    string  `json:"error,omitempty"` // set only when Status is ERROR

	Upload  *UploadSpec  `json:"upload,omitempty"`
	Request *RequestSpec `json:"request,omitempty"`
}

// RequestTaskID returns the queue id for an approval-request watch.
func RequestTaskID(requestID int) string {
	return fmt.Sprintf("req-%d", requestID)
}

// Clone returns a copy safe to hand outside the tracker's lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.Upload != nil {
		u := *t.Upload
		c.Upload = &u
	}
	if t.Request != nil {
		r := *t.Request
		c.Request = &r
	}
	return &c
}
