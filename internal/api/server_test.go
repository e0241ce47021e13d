package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/marko911/driftwatch/internal/drift"
	"github.com/marko911/driftwatch/internal/scanner"
)

type fakeStore struct {
	events   []drift.SlotDriftEvent
	lastFrom uint64
	lastTo   uint64
}

func (f *fakeStore) EventsInRange(from, to uint64) []drift.SlotDriftEvent {
	f.lastFrom, f.lastTo = from, to
	return f.events
}

func (f *fakeStore) Stats() drift.Stats {
	return drift.Stats{TotalDriftEvents: 2, BlocksAnalyzed: 7, AverageConfidence: 0.8, ActiveContracts: 1}
}

type fakeStatus struct {
	last time.Time
}

func (f *fakeStatus) Stats() scanner.Stats       { return scanner.Stats{LastBlock: 42, BlocksScanned: 40} }
func (f *fakeStatus) LastProcessedAt() time.Time { return f.last }

func testEvent() drift.SlotDriftEvent {
	return drift.SlotDriftEvent{
		ID:             "ev-1",
		Contract:       common.HexToAddress("0xfeed"),
		SlotKey:        "reserve0",
		CurrentBlock:   100,
		PredictedBlock: 110,
		Timestamp:      time.Now().UTC(),
		Confidence:     0.9,
	}
}

func newTestServer(store *fakeStore, status *fakeStatus, cfg scanner.APIConfig) *Server {
	return NewServer(cfg, store, status, nil)
}

func TestHandleEvents_RangeQuery(t *testing.T) {
	store := &fakeStore{events: []drift.SlotDriftEvent{testEvent()}}
	srv := newTestServer(store, &fakeStatus{last: time.Now()}, scanner.APIConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/drift/events?from=100&to=200", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if store.lastFrom != 100 || store.lastTo != 200 {
		t.Errorf("queried range = [%d, %d], want [100, 200]", store.lastFrom, store.lastTo)
	}

	var body struct {
		Events []drift.SlotDriftEvent `json:"events"`
		Count  int                    `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || len(body.Events) != 1 {
		t.Fatalf("count = %d with %d events, want 1 of each", body.Count, len(body.Events))
	}
	if body.Events[0].ID != "ev-1" {
		t.Errorf("event id = %q, want ev-1", body.Events[0].ID)
	}
}

func TestHandleEvents_DefaultsToFullRange(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store, &fakeStatus{last: time.Now()}, scanner.APIConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/drift/events", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if store.lastFrom != 0 || store.lastTo != ^uint64(0) {
		t.Errorf("queried range = [%d, %d], want the full block range", store.lastFrom, store.lastTo)
	}
}

func TestHandleEvents_BadRequests(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeStatus{last: time.Now()}, scanner.APIConfig{})

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"non-numeric from", http.MethodGet, "/api/v1/drift/events?from=abc", http.StatusBadRequest},
		{"inverted range", http.MethodGet, "/api/v1/drift/events?from=10&to=5", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/api/v1/drift/events", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandleStats(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeStatus{last: time.Now()}, scanner.APIConfig{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/drift/stats", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Drift   drift.Stats   `json:"drift"`
		Scanner scanner.Stats `json:"scanner"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Drift.TotalDriftEvents != 2 {
		t.Errorf("drift events = %d, want 2", body.Drift.TotalDriftEvents)
	}
	if body.Scanner.LastBlock != 42 {
		t.Errorf("scanner last block = %d, want 42", body.Scanner.LastBlock)
	}
}

func TestHandleHealth(t *testing.T) {
	cfg := scanner.APIConfig{MaxDowntime: time.Minute}

	srv := newTestServer(&fakeStore{}, &fakeStatus{last: time.Now()}, cfg)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d for fresh scanner, want 200", rec.Code)
	}

	stale := newTestServer(&fakeStore{}, &fakeStatus{last: time.Now().Add(-2 * time.Minute)}, cfg)
	rec = httptest.NewRecorder()
	stale.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d for stale scanner, want 503", rec.Code)
	}

	// A scanner that has not processed anything yet is still starting up,
	// not unhealthy.
	starting := newTestServer(&fakeStore{}, &fakeStatus{}, cfg)
	rec = httptest.NewRecorder()
	starting.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d before first block, want 200", rec.Code)
	}
}

func TestStream_DeliversPublishedEvents(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeStatus{last: time.Now()}, scanner.APIConfig{})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/drift/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.clientCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.clientCount() != 1 {
		t.Fatalf("clients = %d, want 1", srv.clientCount())
	}

	want := testEvent()
	if err := srv.Publish(context.Background(), want); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read stream message: %v", err)
	}

	var got drift.SlotDriftEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID || got.Contract != want.Contract {
		t.Errorf("streamed event = %+v, want id %q for %s", got, want.ID, want.Contract.Hex())
	}
}

func TestCheckOrigin(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeStatus{}, scanner.APIConfig{
		AllowedOrigins: []string{"https://app.example.com"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/drift/stream", nil)
	req.Header.Set("Origin", "https://app.example.com")
	if !srv.checkOrigin(req) {
		t.Error("allowed origin rejected")
	}

	req.Header.Set("Origin", "https://evil.example.com")
	if srv.checkOrigin(req) {
		t.Error("unlisted origin accepted")
	}

	open := newTestServer(&fakeStore{}, &fakeStatus{}, scanner.APIConfig{})
	if !open.checkOrigin(req) {
		t.Error("empty allow-list should accept any origin")
	}
}
