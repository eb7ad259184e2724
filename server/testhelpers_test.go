package server

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/docsignal/doctrack/config"
	"github.com/docsignal/doctrack/portal"
	"github.com/docsignal/doctrack/tracker"
)

// stubPortal satisfies tracker.DocumentSource for handler tests.
type stubPortal struct {
	uploadFn func(context.Context, portal.UploadRequest, func(float64)) (*portal.Document, error)
	fetchFn  func(context.Context, int, int) ([]portal.Document, error)
	watchFn  func(context.Context, int) (<-chan portal.RequestEvent, error)
}

func (s *stubPortal) Upload(ctx context.Context, ur portal.UploadRequest, onProgress func(float64)) (*portal.Document, error) {
	if s.uploadFn != nil {
		return s.uploadFn(ctx, ur, onProgress)
	}
	return &portal.Document{ID: 1}, nil
}

func (s *stubPortal) FetchDocuments(ctx context.Context, deptID, projectID int) ([]portal.Document, error) {
	if s.fetchFn != nil {
		return s.fetchFn(ctx, deptID, projectID)
	}
	return nil, nil
}

func (s *stubPortal) WatchRequest(ctx context.Context, requestID int) (<-chan portal.RequestEvent, error) {
	if s.watchFn != nil {
		return s.watchFn(ctx, requestID)
	}
	ch := make(chan portal.RequestEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

const testPassword = "secret"

func newTestServer(t *testing.T, sp *stubPortal) *Server {
	t.Helper()
	if sp == nil {
		sp = &stubPortal{}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt hash: %v", err)
	}
	cfg := *config.DefaultConfig()
	cfg.Auth.AdminPass = string(hash)
	cfg.Auth.JWTSecret = "test-secret-key-1234567890"
	cfg.DataDir = t.TempDir()

	logger := slog.New(slog.DiscardHandler)
	tr := tracker.New(tracker.Config{
		Portal:       sp,
		Logger:       logger,
		PollInterval: 20 * time.Millisecond,
		SimInterval:  5 * time.Millisecond,
	})
	t.Cleanup(tr.Close)

	return New(cfg, tr, nil, "test", logger)
}

// authedToken logs in through the handler and returns a usable JWT.
func authedToken(t *testing.T, s *Server) string {
	t.Helper()
	token, err := signToken(s.jwtSecret(), s.cfg.Auth.AdminUser)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// waitForCond polls until cond returns true or the deadline passes.
func waitForCond(t *testing.T, msg string, cond func() bool) {
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
