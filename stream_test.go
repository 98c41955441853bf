package haven

import (
	"encoding/json"
	"testing"
	"time"
)

// ============================================================================
// Config defaults
// ============================================================================

func TestAlertStreamConfigDefaults(t *testing.T) {
	cfg := &AlertStreamConfig{Token: "tok"}
	cfg.defaults()

	if cfg.ReconnectBaseDelay != 1*time.Second {
		t.Errorf("ReconnectBaseDelay = %v", cfg.ReconnectBaseDelay)
	}
	if cfg.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("ReconnectMaxDelay = %v", cfg.ReconnectMaxDelay)
	}
	if cfg.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d", cfg.MaxReconnectAttempts)
	}
	if cfg.HeartbeatInterval != 25*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if cfg.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoffBounds(t *testing.T) {
	cfg := &AlertStreamConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 3,
	}
	r := newReconnector(cfg)

	var prev time.Duration
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d: shouldReconnect = false", i)
		}
		d := r.nextDelay()
		if d < prev {
			t.Errorf("attempt %d: delay %v shrank below %v", i, d, prev)
		}
		if d > cfg.ReconnectMaxDelay {
			t.Errorf("attempt %d: delay %v exceeds cap %v", i, d, cfg.ReconnectMaxDelay)
		}
		prev = d
	}
	if r.shouldReconnect() {
		t.Error("attempts exhausted but shouldReconnect = true")
	}
}

func TestReconnectorStableConnectionResetsAttempts(t *testing.T) {
	r := newReconnector(&AlertStreamConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 3,
	})
	r.nextDelay()
	r.nextDelay()
	r.nextDelay()
	if r.shouldReconnect() {
		t.Fatal("expected attempts exhausted")
	}

	// A connection that held for over a minute clears the streak.
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	r.nextDelay()
	if r.attempt != 1 {
		t.Errorf("attempt = %d after stable connection, want 1", r.attempt)
	}
}

func TestReconnectorUnlimitedAttempts(t *testing.T) {
	r := newReconnector(&AlertStreamConfig{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	})
	r.maxAttempts = 0
	for i := 0; i < 50; i++ {
		r.nextDelay()
	}
	if !r.shouldReconnect() {
		t.Error("zero maxAttempts must mean unlimited")
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

func TestStreamDispatcher(t *testing.T) {
	t.Run("alert events reach typed handlers", func(t *testing.T) {
		d := newStreamDispatcher()
		got := make(chan Alert, 1)
		d.onAlert = append(d.onAlert, func(a Alert) { got <- a })

		payload, _ := json.Marshal(testAlert("a1", SeverityCritical))
		d.dispatch(StreamEnvelope{Type: "alert.new", Payload: payload})

		select {
		case a := <-got:
			if a.ID != "a1" {
				t.Errorf("alert id = %s", a.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("alert handler not invoked")
		}
	})

	t.Run("sos acks reach typed handlers", func(t *testing.T) {
		d := newStreamDispatcher()
		got := make(chan SOSAck, 1)
		d.onAck = append(d.onAck, func(a SOSAck) { got <- a })

		d.dispatch(StreamEnvelope{Type: "sos.ack", Payload: []byte(`{"serverId":"srv-1","status":"active"}`)})

		select {
		case ack := <-got:
			if ack.ServerID != "srv-1" {
				t.Errorf("serverId = %s", ack.ServerID)
			}
		case <-time.After(time.Second):
			t.Fatal("ack handler not invoked")
		}
	})

	t.Run("generic handlers see raw payload", func(t *testing.T) {
		d := newStreamDispatcher()
		got := make(chan string, 1)
		d.generic["system.notice"] = append(d.generic["system.notice"], func(eventType string, payload json.RawMessage) {
			got <- eventType
		})

		d.dispatch(StreamEnvelope{Type: "system.notice", Payload: []byte(`{}`)})

		select {
		case et := <-got:
			if et != "system.notice" {
				t.Errorf("eventType = %s", et)
			}
		case <-time.After(time.Second):
			t.Fatal("generic handler not invoked")
		}
	})

	t.Run("malformed alert payload is dropped", func(t *testing.T) {
		d := newStreamDispatcher()
		called := make(chan struct{}, 1)
		d.onAlert = append(d.onAlert, func(Alert) { called <- struct{}{} })

		d.dispatch(StreamEnvelope{Type: "alert.new", Payload: []byte(`"not an object"`)})

		select {
		case <-called:
			t.Fatal("handler invoked for malformed payload")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

// ============================================================================
// Bind
// ============================================================================

func TestStreamBindMergesAlerts(t *testing.T) {
	engine := NewAlertEngine(NewClient("tok"), NewMemoryStorage(), nil)
	defer engine.Stop()

	s := NewAlertStream(NewClient("tok"), &AlertStreamConfig{Token: "tok"})
	reach := NewReachability(nil)
	defer reach.Stop()
	reach.SetOnline(false)
	s.Bind(engine, reach)

	payload, _ := json.Marshal(testAlert("a1", SeverityMedium))
	s.dispatcher.dispatch(StreamEnvelope{Type: "alert.new", Payload: payload})

	deadline := time.After(time.Second)
	for len(engine.Snapshot().Alerts) == 0 {
		select {
		case <-deadline:
			t.Fatal("pushed alert never merged into the engine")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.dispatcher.emitConnected()
	deadline = time.After(time.Second)
	for !reach.IsOnline() {
		select {
		case <-deadline:
			t.Fatal("connected event did not mark reachability online")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
