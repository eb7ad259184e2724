package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestUpload(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != uploadPath {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		for field, want := range map[string]string{
			"dept_id":    "2",
			"project_id": "7",
			"user_id":    "11",
			"category":   "contracts",
		} {
			if got := r.FormValue(field); got != want {
				t.Errorf("field %s = %q, want %q", field, got, want)
			}
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "report.pdf" {
			t.Errorf("filename = %q, want report.pdf", hdr.Filename)
		}

		json.NewEncoder(w).Encode(Document{
			ID:               42,
			OriginalFilename: hdr.Filename,
			Status:           DocStatusParsing,
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "tok-1"})
	path := writeTempFile(t, "report.pdf", "pdf bytes")

	var progress []float64
	doc, err := c.Upload(context.Background(), UploadRequest{
		Path:         path,
		DepartmentID: 2,
		ProjectID:    7,
		UserID:       11,
		Category:     "contracts",
	}, func(pct float64) { progress = append(progress, pct) })
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if doc.ID != 42 || doc.Status != DocStatusParsing {
		t.Errorf("doc = %+v", doc)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Errorf("progress never reached 100: %v", progress)
	}
}

func TestUpload_PortalRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"detail": "unsupported file type"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	path := writeTempFile(t, "weird.xyz", "??")

	_, err := c.Upload(context.Background(), UploadRequest{Path: path, DepartmentID: 1, ProjectID: 1}, nil)
	if err == nil {
		t.Fatal("expected error for rejected upload")
	}
	if !strings.Contains(err.Error(), "unsupported file type") {
		t.Errorf("error %q does not surface portal detail", err)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://localhost:1"})
	_, err := c.Upload(context.Background(), UploadRequest{Path: "/nonexistent/nope.pdf"}, nil)
	if err == nil {
		t.Fatal("expected error for missing local file")
	}
}

func TestFetchDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != documentsPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("dept_id") != "3" || r.URL.Query().Get("project_id") != "5" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]Document{
			{ID: 1, OriginalFilename: "a.pdf", Status: DocStatusCompleted},
			{ID: 2, OriginalFilename: "b.pdf", Status: DocStatusEmbedding},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	docs, err := c.FetchDocuments(context.Background(), 3, 5)
	if err != nil {
		t.Fatalf("FetchDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	if !docs[1].Status.Active() {
		t.Errorf("EMBEDDING should be active")
	}
	if docs[0].Status.Active() {
		t.Errorf("COMPLETED should not be active")
	}
}

func TestFetchDocuments_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.FetchDocuments(context.Background(), 1, 1); err == nil {
		t.Fatal("expected error on 500")
	}
}
