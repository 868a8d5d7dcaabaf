package gridlock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type fakeGridClient struct {
	mu      sync.Mutex
	results map[int64]PageResult
}

func (f *fakeGridClient) FetchPage(ctx context.Context, req PageRequest) (PageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := f.results[req.Ticket]
	result.Ticket = req.Ticket
	return result, nil
}

func TestPageLoaderDropsStalePages(t *testing.T) {
	sequencer := NewRequestSequencer()
	loader, err := NewPageLoader("ds1", &fakeGridClient{}, sequencer, nil)
	if err != nil {
		t.Fatalf("creating loader: %v", err)
	}

	// Two requests go out; the older response arrives last.
	slowTicket := sequencer.NextTicket()
	fastTicket := sequencer.NextTicket()

	if !loader.Apply(PageResult{Ticket: fastTicket, Total: 50, Rows: []Row{{ID: "fast"}}}) {
		t.Fatalf("current page rejected")
	}
	if loader.Apply(PageResult{Ticket: slowTicket, Total: 900, Rows: []Row{{ID: "slow"}}}) {
		t.Fatalf("stale page applied")
	}

	rows := loader.Rows()
	if len(rows) != 1 || rows[0].ID != "fast" {
		t.Fatalf("stale rows displayed: %+v", rows)
	}
	// The total is part of the page: a stale total never leaks through.
	if loader.Total() != 50 {
		t.Fatalf("expected total 50, got %d", loader.Total())
	}
}

func TestPageLoaderAcceptsUnsequencedResults(t *testing.T) {
	loader, err := NewPageLoader("ds1", &fakeGridClient{}, NewRequestSequencer(), nil)
	if err != nil {
		t.Fatalf("creating loader: %v", err)
	}
	if !loader.Apply(PageResult{Ticket: TicketUnsequenced, Total: 3, Rows: []Row{{ID: "preview"}}}) {
		t.Fatalf("unsequenced page rejected")
	}
}

func TestPageLoaderLoadTicketsEachFetch(t *testing.T) {
	client := &fakeGridClient{results: map[int64]PageResult{
		1: {Total: 2, Rows: []Row{{ID: "a"}, {ID: "b"}}},
		2: {Total: 1, Rows: []Row{{ID: "c"}}},
	}}
	loader, err := NewPageLoader("ds1", client, NewRequestSequencer(), nil)
	if err != nil {
		t.Fatalf("creating loader: %v", err)
	}

	if err := loader.Load(context.Background(), 0, 25, ""); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := loader.Load(context.Background(), 0, 25, "status=open"); err != nil {
		t.Fatalf("second load: %v", err)
	}
	rows := loader.Rows()
	if len(rows) != 1 || rows[0].ID != "c" {
		t.Fatalf("expected newest page, got %+v", rows)
	}
}

func TestHTTPGridClientFetchPage(t *testing.T) {
	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"ticket": r.URL.Query().Get("ticket"),
			"limit":  r.URL.Query().Get("limit"),
			"filter": r.URL.Query().Get("filter"),
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(PageResult{
			Ticket: 7,
			Total:  1,
			Rows:   []Row{{ID: "r1", Fields: map[string]string{"status": "open"}}},
		})
	}))
	defer server.Close()

	client := NewHTTPGridClient(server.URL, "tok", nil)
	result, err := client.FetchPage(context.Background(), PageRequest{
		DatasetID: "ds1",
		Ticket:    7,
		Limit:     25,
		Filter:    "status=open",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if result.Total != 1 || len(result.Rows) != 1 || result.Rows[0].ID != "r1" {
		t.Fatalf("unexpected result %+v", result)
	}
	if gotQuery["ticket"] != "7" || gotQuery["limit"] != "25" || gotQuery["filter"] != "status=open" {
		t.Fatalf("unexpected query %v", gotQuery)
	}
}

func TestHTTPGridClientErrorPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such dataset"}`))
	}))
	defer server.Close()

	client := NewHTTPGridClient(server.URL, "", nil)
	_, err := client.FetchPage(context.Background(), PageRequest{DatasetID: "missing", Ticket: 1})
	if err == nil {
		t.Fatalf("expected error")
	}
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("expected *HTTPError, got %T: %v", err, err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}

func TestHTTPGridClientRetriesServerErrors(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(PageResult{Ticket: 1})
	}))
	defer server.Close()

	client := NewHTTPGridClient(server.URL, "", nil)
	if _, err := client.FetchPage(context.Background(), PageRequest{DatasetID: "ds1", Ticket: 1}); err != nil {
		t.Fatalf("fetch after retries: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
