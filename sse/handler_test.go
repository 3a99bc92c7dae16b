package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalcanvas/bus"
	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/runtime"
	"github.com/petal-labs/petalcanvas/sse"
)

func testEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	return runtime.Event{
		Kind:     kind,
		RunID:    runID,
		NodeID:   "llm-1",
		NodeType: core.NodeTypeLLM,
		Time:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Elapsed:  time.Duration(seq) * time.Millisecond,
		Payload:  map[string]any{"seq_val": float64(seq)},
		Seq:      seq,
	}
}

type sseMessage struct {
	ID    string
	Event string
	Data  string
}

func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != (sseMessage{}) {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
		case strings.HasPrefix(line, ": "):
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

func setupTestServer(h *sse.Handler) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/events", h.RunStream())
	mux.Handle("GET /nodes/{node_id}/events", h.NodeStream())
	return httptest.NewServer(mux)
}

// getAsync issues a GET and delivers the full body once the stream ends.
func getAsync(t *testing.T, ctx context.Context, url string, header http.Header) <-chan string {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	out := make(chan string, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			out <- ""
			return
		}
		defer resp.Body.Close()
		var body strings.Builder
		_, _ = io.Copy(&body, resp.Body)
		out <- body.String()
	}()
	return out
}

func TestRunStream_ReplayFromStore(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ctx := context.Background()
	for i, kind := range []runtime.EventKind{
		runtime.EventRunStarted,
		runtime.EventNodeStarted,
		runtime.EventNodeFinished,
		runtime.EventRunFinished,
	} {
		if err := store.Append(ctx, testEvent("run-replay", uint64(i+1), kind)); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(sse.NewHandler(store, eb))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/run-replay/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	msgs := parseSSEMessages(string(body))
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4: %s", len(msgs), body)
	}
	for i, msg := range msgs {
		if want := fmt.Sprint(i + 1); msg.ID != want {
			t.Errorf("msgs[%d].ID = %q, want %q", i, msg.ID, want)
		}
	}
	if msgs[3].Event != "run.finished" {
		t.Errorf("last event = %q, want run.finished", msgs[3].Event)
	}
}

func TestRunStream_WireFormat(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	evt := testEvent("run-fmt", 1, runtime.EventRunFinished)
	evt.Elapsed = 1500 * time.Millisecond
	_ = store.Append(context.Background(), evt)

	ts := setupTestServer(sse.NewHandler(store, eb))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/run-fmt/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	msgs := parseSSEMessages(string(body))
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(msgs[0].Data), &decoded); err != nil {
		t.Fatalf("data is not JSON: %v", err)
	}
	checks := map[string]any{
		"kind":       "run.finished",
		"run_id":     "run-fmt",
		"node_id":    "llm-1",
		"node_type":  "llmNode",
		"elapsed_ms": float64(1500),
		"seq":        float64(1),
	}
	for k, want := range checks {
		if decoded[k] != want {
			t.Errorf("data[%q] = %v, want %v", k, decoded[k], want)
		}
	}
	if _, ok := decoded["attempt"]; ok {
		t.Error("unexpected attempt field")
	}
}

func TestRunStream_LiveAndDedup(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	_ = store.Append(context.Background(), testEvent("run-live", 1, runtime.EventRunStarted))
	_ = store.Append(context.Background(), testEvent("run-live", 2, runtime.EventNodeStarted))

	ts := setupTestServer(sse.NewHandler(store, eb))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bodyCh := getAsync(t, ctx, ts.URL+"/runs/run-live/events", nil)

	time.Sleep(100 * time.Millisecond)

	// Seq 2 was already replayed and must not be sent twice.
	eb.Publish(testEvent("run-live", 2, runtime.EventNodeStarted))
	eb.Publish(testEvent("run-live", 3, runtime.EventNodeFinished))
	eb.Publish(testEvent("run-live", 4, runtime.EventRunFinished))
	eb.Publish(testEvent("run-live", 5, runtime.EventNodeStarted))

	msgs := parseSSEMessages(<-bodyCh)
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if got := strings.Join(ids, ","); got != "1,2,3,4" {
		t.Errorf("ids = %s, want 1,2,3,4", got)
	}
}

func TestRunStream_Cursor(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		kind := runtime.EventNodeStarted
		if seq == 3 {
			kind = runtime.EventRunFinished
		}
		_ = store.Append(context.Background(), testEvent("run-c", seq, kind))
	}

	ts := setupTestServer(sse.NewHandler(store, eb))
	defer ts.Close()

	tests := []struct {
		name   string
		query  string
		header http.Header
		want   int
	}{
		{"none", "", nil, 3},
		{"query", "?after=1", nil, 2},
		{"last event id", "", http.Header{"Last-Event-Id": {"2"}}, 1},
		{"query wins", "?after=2", http.Header{"Last-Event-Id": {"0"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			body := <-getAsync(t, ctx, ts.URL+"/runs/run-c/events"+tt.query, tt.header)
			if got := len(parseSSEMessages(body)); got != tt.want {
				t.Errorf("messages = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunStream_BadRequests(t *testing.T) {
	ts := setupTestServer(sse.NewHandler(bus.NewMemEventStore(), bus.NewMemBus(bus.MemBusConfig{})))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/run-x/events?after=abc")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs//events", nil)
	sse.NewHandler(nil, bus.NewMemBus(bus.MemBusConfig{})).RunStream().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing run_id status = %d, want 400", rec.Code)
	}
}

func TestRunStream_Heartbeat(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	h := sse.NewHandler(nil, eb)
	h.Heartbeat = 20 * time.Millisecond
	ts := setupTestServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	body := <-getAsync(t, ctx, ts.URL+"/runs/run-hb/events", nil)
	if !strings.Contains(body, ": ping\n\n") {
		t.Errorf("body = %q, want heartbeat", body)
	}
}

func TestNodeStream_FollowsRuns(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ts := setupTestServer(sse.NewHandler(nil, eb))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/nodes/llm-1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	time.Sleep(100 * time.Millisecond)

	// run.finished does not end a node stream.
	eb.Publish(testEvent("run-1", 1, runtime.EventRunFinished))
	other := testEvent("run-1", 2, runtime.EventNodeStarted)
	other.NodeID = "llm-2"
	eb.Publish(other)
	eb.Publish(testEvent("run-2", 1, runtime.EventNodeStarted))

	reader := bufio.NewReader(resp.Body)
	var runs []string
	for len(runs) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (runs so far %v)", err, runs)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var decoded map[string]any
		_ = json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data: "))), &decoded)
		if decoded["node_id"] != "llm-1" {
			t.Errorf("node_id = %v, want llm-1", decoded["node_id"])
		}
		runID, _ := decoded["run_id"].(string)
		runs = append(runs, runID)
	}
	if runs[0] != "run-1" || runs[1] != "run-2" {
		t.Errorf("runs = %v, want [run-1 run-2]", runs)
	}
}
