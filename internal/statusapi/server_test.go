package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/h-tendy/datagroom-ui-2026-sub000/internal/gridlock"
)

type fakeSender struct{}

func (fakeSender) Send(ctx context.Context, envelope gridlock.Envelope) error { return nil }

type fakeSubmitter struct{}

func (fakeSubmitter) SubmitEdit(ctx context.Context, req gridlock.SubmitEditRequest) (gridlock.SubmitResult, error) {
	return gridlock.SubmitResult{OK: true}, nil
}

func (fakeSubmitter) InsertRow(ctx context.Context, req gridlock.InsertRowRequest) (gridlock.InsertResult, error) {
	return gridlock.InsertResult{OK: true, RowID: "1"}, nil
}

type fakeSession struct {
	datasetID    string
	sessionID    string
	registry     *gridlock.LockRegistry
	tracker      *gridlock.EditTracker
	connectivity *gridlock.ConnectivityState
	editor       *gridlock.Editor
}

func (f *fakeSession) DatasetID() string                         { return f.datasetID }
func (f *fakeSession) SessionID() string                         { return f.sessionID }
func (f *fakeSession) Registry() *gridlock.LockRegistry          { return f.registry }
func (f *fakeSession) Tracker() *gridlock.EditTracker            { return f.tracker }
func (f *fakeSession) Connectivity() *gridlock.ConnectivityState { return f.connectivity }
func (f *fakeSession) Editor() *gridlock.Editor                  { return f.editor }

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	registry := gridlock.NewLockRegistry("ds1")
	connectivity := gridlock.NewConnectivityState()
	tracker := gridlock.NewEditTracker()
	editor, err := gridlock.NewEditor(gridlock.EditorOptions{
		DatasetID:    "ds1",
		SessionID:    "sess-local",
		Registry:     registry,
		Connectivity: connectivity,
		Tracker:      tracker,
		Sender:       fakeSender{},
		Submitter:    fakeSubmitter{},
	})
	if err != nil {
		t.Fatalf("creating editor: %v", err)
	}
	return &fakeSession{
		datasetID:    "ds1",
		sessionID:    "sess-local",
		registry:     registry,
		tracker:      tracker,
		connectivity: connectivity,
		editor:       editor,
	}
}

func getJSON(t *testing.T, server *Server, path, token string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return rec.Code
}

func TestStatusReportsConnectivityAndLocks(t *testing.T) {
	session := newFakeSession(t)
	session.connectivity.SetChannelConnected(true)
	session.registry.ApplyLocked("ds1", gridlock.CellID{RowID: "r1", Field: "status"}, "sess-other")
	server := NewServer(session)

	var resp struct {
		DatasetID    string `json:"datasetId"`
		SessionID    string `json:"sessionId"`
		Connectivity struct {
			ChannelConnected bool `json:"channelConnected"`
			BackendReachable bool `json:"backendReachable"`
		} `json:"connectivity"`
		LockCount int `json:"lockCount"`
	}
	if code := getJSON(t, server, "/v1/status", "", &resp); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if resp.DatasetID != "ds1" || resp.SessionID != "sess-local" {
		t.Fatalf("unexpected identity %+v", resp)
	}
	if !resp.Connectivity.ChannelConnected || !resp.Connectivity.BackendReachable {
		t.Fatalf("unexpected connectivity %+v", resp.Connectivity)
	}
	if resp.LockCount != 1 {
		t.Fatalf("expected 1 lock, got %d", resp.LockCount)
	}
}

func TestLocksMarkOwnership(t *testing.T) {
	session := newFakeSession(t)
	session.registry.ApplyLocked("ds1", gridlock.CellID{RowID: "r1", Field: "a"}, "sess-local")
	session.registry.ApplyLocked("ds1", gridlock.CellID{RowID: "r2", Field: "b"}, "sess-other")
	server := NewServer(session)

	var resp struct {
		Locks []struct {
			RowID string `json:"rowId"`
			Own   bool   `json:"own"`
		} `json:"locks"`
	}
	if code := getJSON(t, server, "/v1/locks", "", &resp); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if len(resp.Locks) != 2 {
		t.Fatalf("expected 2 locks, got %+v", resp.Locks)
	}
	for _, lock := range resp.Locks {
		own := lock.RowID == "r1"
		if lock.Own != own {
			t.Fatalf("unexpected ownership for %s: %+v", lock.RowID, lock)
		}
	}
}

func TestEditsListOutcomes(t *testing.T) {
	session := newFakeSession(t)
	session.tracker.Record(gridlock.EditAttempt{
		AttemptID: "edit_1",
		Cell:      gridlock.CellID{RowID: "r1", Field: "a"},
		OldValue:  "x",
		NewValue:  "y",
		Status:    gridlock.EditFailed,
		Reason:    "conflict",
		StartedAt: time.Now().UTC(),
	})
	server := NewServer(session)

	var resp struct {
		Edits []struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		} `json:"edits"`
	}
	if code := getJSON(t, server, "/v1/edits", "", &resp); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if len(resp.Edits) != 1 || resp.Edits[0].Status != "failed" || resp.Edits[0].Reason != "conflict" {
		t.Fatalf("unexpected edits %+v", resp.Edits)
	}
}

func TestBearerToken(t *testing.T) {
	session := newFakeSession(t)
	server := NewServerWithConfig(session, ServerConfig{Token: "secret"})

	if code := getJSON(t, server, "/v1/status", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := getJSON(t, server, "/v1/status", "wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", code)
	}
	if code := getJSON(t, server, "/v1/status", "secret", nil); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}
	// Health stays open for probes.
	if code := getJSON(t, server, "/health", "", nil); code != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", code)
	}
}

func TestRoutingErrors(t *testing.T) {
	server := NewServer(newFakeSession(t))

	if code := getJSON(t, server, "/v1/nope", "", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/status", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
