package haven

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Alert Stream
// ============================================================================

// StreamEnvelope is the wire format for all pushed events.
type StreamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SOSAck is pushed when the backend acknowledges an SOS request.
type SOSAck struct {
	ServerID string `json:"serverId"`
	Status   string `json:"status"`
}

// StreamState represents the connection state.
type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
)

// StreamEventHandler is the generic event callback type.
type StreamEventHandler func(eventType string, payload json.RawMessage)

// AlertStreamConfig configures the realtime alert stream.
type AlertStreamConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zap.Logger
}

func (c *AlertStreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

type streamDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]StreamEventHandler
	onAlert        []func(Alert)
	onAck          []func(SOSAck)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newStreamDispatcher() *streamDispatcher {
	return &streamDispatcher{generic: make(map[string][]StreamEventHandler)}
}

func (d *streamDispatcher) dispatch(env StreamEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "alert.new", "alert.update":
		var a Alert
		if json.Unmarshal(env.Payload, &a) == nil {
			for _, h := range d.onAlert {
				go h(a)
			}
		}
	case "sos.ack":
		var ack SOSAck
		if json.Unmarshal(env.Payload, &ack) == nil {
			for _, h := range d.onAck {
				go h(ack)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		handler := h // capture
		go handler(env.Type, env.Payload)
	}
}

func (d *streamDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *streamDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *streamDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *AlertStreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// AlertStream
// ============================================================================

// AlertStream is a WebSocket push channel for alert and SOS-ack events,
// with auto-reconnect and heartbeat. It supplements the polling refresh
// engine: pushed alerts land in the snapshot immediately, and a live
// connection doubles as a reachability signal.
type AlertStream struct {
	baseURL          string
	config           *AlertStreamConfig
	log              *zap.Logger
	conn             *websocket.Conn
	mu               sync.Mutex
	state            StreamState
	intentionalClose bool
	dispatcher       *streamDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewAlertStream creates a stream client against the client's backend.
// Call Connect to establish the connection.
func NewAlertStream(client *Client, config *AlertStreamConfig) *AlertStream {
	cfg := *config
	cfg.defaults()
	return &AlertStream{
		baseURL:    client.baseURL,
		config:     &cfg,
		log:        cfg.Logger,
		state:      StreamDisconnected,
		dispatcher: newStreamDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnAlert registers a handler for pushed alerts (new and updated).
func (s *AlertStream) OnAlert(h func(Alert)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onAlert = append(s.dispatcher.onAlert, h)
	s.dispatcher.mu.Unlock()
}

// OnAck registers a handler for SOS acknowledgements.
func (s *AlertStream) OnAck(h func(SOSAck)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onAck = append(s.dispatcher.onAck, h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *AlertStream) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *AlertStream) OnDisconnected(h func(reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *AlertStream) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (s *AlertStream) On(eventType string, h StreamEventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[eventType] = append(s.dispatcher.generic[eventType], h)
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *AlertStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bind wires the stream into the pipeline: pushed alerts merge into the
// alert engine, and connection transitions feed the reachability
// observer.
func (s *AlertStream) Bind(alerts *AlertEngine, reach *Reachability) {
	if alerts != nil {
		s.OnAlert(alerts.HandleRealtimeAlert)
	}
	if reach != nil {
		s.OnConnected(func() { reach.SetOnline(true) })
	}
}

// Connect establishes the WebSocket connection.
func (s *AlertStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StreamConnected || s.state == StreamConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + s.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.mu.Lock()
		s.state = StreamDisconnected
		s.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StreamConnected
	s.mu.Unlock()
	s.recon.markConnected()
	s.log.Info("stream: connected")
	s.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelFn = cancel
	s.mu.Unlock()

	go s.readLoop(connCtx)
	go s.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (s *AlertStream) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StreamDisconnected
	s.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	s.dispatcher.emitDisconnected("client disconnect")
	return nil
}

func (s *AlertStream) readLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			s.mu.Unlock()
			if intentional {
				return
			}

			s.mu.Lock()
			s.state = StreamDisconnected
			s.conn = nil
			s.mu.Unlock()

			s.log.Warn("stream: disconnected", zap.Error(err))
			s.dispatcher.emitDisconnected(err.Error())

			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect(ctx)
			}
			return
		}

		var env StreamEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		s.dispatcher.dispatch(env)
	}
}

func (s *AlertStream) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed: force close, readLoop handles the
				// reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *AlertStream) scheduleReconnect(ctx context.Context) {
	delay := s.recon.nextDelay()
	s.mu.Lock()
	s.state = StreamReconnecting
	s.mu.Unlock()

	s.dispatcher.emitReconnecting(s.recon.attempt, delay)
	s.log.Info("stream: reconnecting",
		zap.Int("attempt", s.recon.attempt), zap.Duration("delay", delay))

	time.Sleep(delay)

	if err := s.Connect(ctx); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect(ctx)
		} else {
			s.mu.Lock()
			s.state = StreamDisconnected
			s.mu.Unlock()
		}
	}
}
