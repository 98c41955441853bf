package haven

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// sosBackend is a scripted fake of the POST /api/sos endpoint. Each
// received payload is recorded in arrival order; responses follow the
// per-request status script (empty script means all 201s).
type sosBackend struct {
	mu       sync.Mutex
	received []SOSPayload
	statuses []int
	nextID   int
}

func (b *sosBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sos" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}

		b.mu.Lock()
		var payload SOSPayload
		json.NewDecoder(r.Body).Decode(&payload)
		b.received = append(b.received, payload)
		status := http.StatusCreated
		if len(b.statuses) > 0 {
			status = b.statuses[0]
			b.statuses = b.statuses[1:]
		}
		b.nextID++
		id := b.nextID
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status >= 400 {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":"scripted failure"}`)
			return
		}
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"_id":"srv-%d"}`, id)
	})
}

func (b *sosBackend) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.received))
	for i, p := range b.received {
		out[i] = p.Message
	}
	return out
}

func newTestEngine(t *testing.T, backend *sosBackend) (*DeliveryEngine, *Outbox) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	outbox := newTestOutbox(NewMemoryStorage())
	outbox.Load()
	client := NewClient("test-token", WithBaseURL(srv.URL))
	engine := NewDeliveryEngine(outbox, client, nil)
	t.Cleanup(engine.Stop)
	return engine, outbox
}

// ============================================================================
// Sweep
// ============================================================================

func TestSweepDeliversOldestFirst(t *testing.T) {
	backend := &sosBackend{}
	engine, outbox := newTestEngine(t, backend)

	for _, msg := range []string{"first", "second", "third"} {
		if _, err := outbox.Enqueue(SOSPayload{Message: msg}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	if err := engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}

	got := backend.messages()
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("backend saw %d requests, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %q, want %q", i, got[i], want[i])
		}
	}

	if outbox.Len() != 0 {
		t.Errorf("queue length = %d after sweep, want 0", outbox.Len())
	}
	history := outbox.History()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	// Newest first: the last-delivered item leads.
	if history[0].Payload.Message != "third" {
		t.Errorf("history head = %q, want third", history[0].Payload.Message)
	}
	for _, h := range history {
		if h.ServerID == "" {
			t.Errorf("item %s has no reconciled server id", h.LocalID)
		}
	}
}

func TestSweepContinuesPastTransientFailure(t *testing.T) {
	backend := &sosBackend{statuses: []int{500, 201}}
	engine, outbox := newTestEngine(t, backend)

	a, _ := outbox.Enqueue(SOSPayload{Message: "fails"})
	b, _ := outbox.Enqueue(SOSPayload{Message: "succeeds"})

	if err := engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}

	if got, _ := outbox.Get(a.LocalID); got.Status != StatusFailed {
		t.Errorf("first item status = %s, want failed", got.Status)
	}
	if _, ok := outbox.Get(b.LocalID); ok {
		t.Error("second item still queued, want delivered")
	}
	if len(backend.messages()) != 2 {
		t.Errorf("backend saw %d requests, want 2", len(backend.messages()))
	}
}

func TestSweepAbortsOnAuthFailure(t *testing.T) {
	backend := &sosBackend{statuses: []int{401}}
	engine, outbox := newTestEngine(t, backend)

	a, _ := outbox.Enqueue(SOSPayload{Message: "first"})
	b, _ := outbox.Enqueue(SOSPayload{Message: "second"})

	err := engine.Sweep(context.Background())
	if err == nil {
		t.Fatal("expected auth error from aborted sweep")
	}
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}

	// Only the first item was attempted; the rest wait for a refreshed
	// credential.
	if len(backend.messages()) != 1 {
		t.Errorf("backend saw %d requests, want 1", len(backend.messages()))
	}
	if got, _ := outbox.Get(a.LocalID); got.Status != StatusFailed {
		t.Errorf("attempted item status = %s, want failed", got.Status)
	}
	if got, _ := outbox.Get(b.LocalID); got.Status != StatusPending {
		t.Errorf("untouched item status = %s, want pending", got.Status)
	}
}

func TestSweepRetriesConvergeToEmpty(t *testing.T) {
	backend := &sosBackend{statuses: []int{500, 500}}
	engine, outbox := newTestEngine(t, backend)

	outbox.Enqueue(SOSPayload{Message: "a"})
	outbox.Enqueue(SOSPayload{Message: "b"})

	// First sweep: both attempts fail.
	engine.Sweep(context.Background())
	if outbox.Len() != 2 {
		t.Fatalf("queue length = %d after failed sweep, want 2", outbox.Len())
	}

	// Second sweep: backend recovered.
	engine.Sweep(context.Background())
	if outbox.Len() != 0 {
		t.Errorf("queue length = %d after recovery sweep, want 0", outbox.Len())
	}
	if len(outbox.History()) != 2 {
		t.Errorf("history length = %d, want 2", len(outbox.History()))
	}
}

func TestSweepNoOpWhileOffline(t *testing.T) {
	backend := &sosBackend{}
	engine, outbox := newTestEngine(t, backend)

	outbox.Enqueue(SOSPayload{Message: "held"})
	engine.SetOnline(false)

	if err := engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	if len(backend.messages()) != 0 {
		t.Errorf("backend saw %d requests while offline, want 0", len(backend.messages()))
	}
	if outbox.Len() != 1 {
		t.Errorf("queue length = %d, want 1", outbox.Len())
	}
}

func TestSweepSingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	requests := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		first := requests == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"_id":"srv-1"}`)
	}))
	defer srv.Close()

	outbox := newTestOutbox(NewMemoryStorage())
	outbox.Load()
	outbox.Enqueue(SOSPayload{Message: "only"})
	engine := NewDeliveryEngine(outbox, NewClient("tok", WithBaseURL(srv.URL)), nil)
	defer engine.Stop()

	done := make(chan error, 1)
	go func() { done <- engine.Sweep(context.Background()) }()
	<-started

	// Re-entrant trigger while the first sweep is blocked on the wire.
	if err := engine.Sweep(context.Background()); err != nil {
		t.Fatalf("re-entrant sweep returned error: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if requests != 1 {
		t.Errorf("backend saw %d requests, want 1", requests)
	}
}

func TestSweepEmptyQueue(t *testing.T) {
	backend := &sosBackend{}
	engine, _ := newTestEngine(t, backend)
	if err := engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep of empty queue returned error: %v", err)
	}
	if len(backend.messages()) != 0 {
		t.Error("backend saw requests for an empty queue")
	}
}

// ============================================================================
// Events
// ============================================================================

func TestSweepEmitsQueueEvents(t *testing.T) {
	backend := &sosBackend{statuses: []int{500, 201}}
	engine, outbox := newTestEngine(t, backend)

	outbox.Enqueue(SOSPayload{Message: "fails"})
	outbox.Enqueue(SOSPayload{Message: "succeeds"})

	var mu sync.Mutex
	var events []string
	for _, ev := range []string{"sweep.start", "queue.sent", "queue.failed", "sweep.complete"} {
		event := ev
		engine.On(event, func(_ string, payload any) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		})
	}

	engine.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []string{"sweep.start", "queue.failed", "queue.sent", "sweep.complete"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestEmitterSwallowsHandlerPanics(t *testing.T) {
	backend := &sosBackend{}
	engine, outbox := newTestEngine(t, backend)

	outbox.Enqueue(SOSPayload{Message: "help"})
	engine.On("queue.sent", func(string, any) { panic("listener bug") })

	delivered := false
	engine.On("queue.sent", func(string, any) { delivered = true })

	if err := engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	if !delivered {
		t.Error("second handler not invoked after first panicked")
	}
}

// ============================================================================
// Online transitions
// ============================================================================

func TestSetOnlineTriggersSweep(t *testing.T) {
	backend := &sosBackend{}
	engine, outbox := newTestEngine(t, backend)

	engine.SetOnline(false)
	outbox.Enqueue(SOSPayload{Message: "queued offline"})

	done := make(chan struct{})
	engine.On("sweep.complete", func(string, any) { close(done) })

	engine.SetOnline(true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run after regaining connectivity")
	}
	if outbox.Len() != 0 {
		t.Errorf("queue length = %d, want 0", outbox.Len())
	}
}

func TestSetOnlineSameStateNoSweep(t *testing.T) {
	backend := &sosBackend{}
	engine, outbox := newTestEngine(t, backend)

	outbox.Enqueue(SOSPayload{Message: "held"})
	engine.SetOnline(true) // already online

	time.Sleep(50 * time.Millisecond)
	if len(backend.messages()) != 0 {
		t.Error("redundant online transition triggered a sweep")
	}
}
