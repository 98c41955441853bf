package haven

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Event Emitter
// ============================================================================

// EngineEventHandler handles delivery engine events.
type EngineEventHandler func(event string, payload any)

type engineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EngineEventHandler
}

func (e *engineEmitter) On(event string, handler EngineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *engineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *engineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EngineEventHandler)
}

// ============================================================================
// Delivery Engine
// ============================================================================

// DefaultSweepInterval is the periodic retry cadence while online.
const DefaultSweepInterval = 20 * time.Second

// DeliveryEngineOptions configures the DeliveryEngine.
type DeliveryEngineOptions struct {
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// DeliveryEngine drains the offline queue against the backend.
//
// A sweep attempts every retryable request strictly sequentially, in
// creation order, so emergency messages go out oldest first and a
// struggling backend is never hit with a stampede of parallel sends.
// At most one sweep runs at a time; re-entrant triggers are no-ops.
//
// Sweeps are triggered by the app resuming, by reachability regaining
// online, and by a periodic ticker while online. No attempts are made
// while offline.
//
// Events: sweep.start, sweep.complete, sweep.aborted, queue.sent,
// queue.failed.
type DeliveryEngine struct {
	engineEmitter
	outbox *Outbox
	client *Client
	log    *zap.Logger

	sweepInterval time.Duration

	mu       sync.Mutex
	online   bool
	sweeping bool
	stopCh   chan struct{}
	stopped  bool
}

// NewDeliveryEngine creates a delivery engine for the given queue.
// The engine assumes online until told otherwise.
func NewDeliveryEngine(outbox *Outbox, client *Client, opts *DeliveryEngineOptions) *DeliveryEngine {
	e := &DeliveryEngine{
		engineEmitter: engineEmitter{listeners: make(map[string][]EngineEventHandler)},
		outbox:        outbox,
		client:        client,
		log:           zap.NewNop(),
		sweepInterval: DefaultSweepInterval,
		online:        true,
		stopCh:        make(chan struct{}),
	}
	if opts != nil {
		if opts.SweepInterval > 0 {
			e.sweepInterval = opts.SweepInterval
		}
		if opts.Logger != nil {
			e.log = opts.Logger
		}
	}
	return e
}

// Start launches the periodic sweep loop.
func (e *DeliveryEngine) Start() {
	go e.sweepLoop()
}

// Stop halts background sweeps and drops all event listeners.
func (e *DeliveryEngine) Stop() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stopCh)
	}
	e.mu.Unlock()
	e.removeAll()
}

// IsOnline returns the engine's view of network state.
func (e *DeliveryEngine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline updates network state. A transition to online triggers an
// immediate sweep.
func (e *DeliveryEngine) SetOnline(online bool) {
	e.mu.Lock()
	if e.online == online {
		e.mu.Unlock()
		return
	}
	e.online = online
	e.mu.Unlock()

	if online {
		e.log.Info("delivery: reachability regained, sweeping")
		go e.Sweep(context.Background())
	}
}

// NotifyResume signals that the app returned to the foreground and
// triggers a sweep.
func (e *DeliveryEngine) NotifyResume() {
	go e.Sweep(context.Background())
}

func (e *DeliveryEngine) sweepLoop() {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Sweep(context.Background())
		}
	}
}

// Sweep attempts delivery of every pending or failed request, one at a
// time in creation order. It is a no-op while offline or while another
// sweep is running. A 401 aborts the remainder of the sweep: the
// credential is invalid and every subsequent attempt would fail the same
// way, so retry waits for a later sweep with a refreshed credential.
func (e *DeliveryEngine) Sweep(ctx context.Context) error {
	e.mu.Lock()
	if e.sweeping || !e.online {
		e.mu.Unlock()
		return nil
	}
	e.sweeping = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.sweeping = false
		e.mu.Unlock()
	}()

	ids := e.outbox.sweepSnapshot()
	if len(ids) == 0 {
		return nil
	}

	e.emit("sweep.start", map[string]any{"items": len(ids)})
	e.log.Debug("delivery: sweep start", zap.Int("items", len(ids)))

	var authErr error
	attempted, sent := 0, 0
	for _, localID := range ids {
		req, ok := e.outbox.Get(localID)
		if !ok || (req.Status != StatusPending && req.Status != StatusFailed) {
			continue
		}

		// Persist the sending state before the wire call so a crash
		// mid-flight resumes cleanly (demoted to pending on load).
		e.outbox.MarkSending(localID)
		attempted++

		resp, err := e.client.SOS().Create(ctx, &req.Payload)
		if err != nil {
			e.outbox.MarkFailed(localID)
			e.emit("queue.failed", map[string]any{"localId": localID, "error": err.Error()})
			e.log.Warn("delivery: attempt failed",
				zap.String("localId", localID), zap.Error(err))
			if IsAuthError(err) {
				authErr = err
				break
			}
			continue
		}

		e.outbox.MarkSent(localID, resp.ServerID())
		sent++
		e.emit("queue.sent", map[string]any{
			"localId":  localID,
			"serverId": resp.ServerID(),
		})
	}

	if authErr != nil {
		e.emit("sweep.aborted", map[string]any{"error": authErr.Error()})
		e.log.Warn("delivery: sweep aborted on auth failure", zap.Error(authErr))
		return authErr
	}

	e.emit("sweep.complete", map[string]any{"attempted": attempted, "sent": sent})
	e.log.Debug("delivery: sweep complete",
		zap.Int("attempted", attempted), zap.Int("sent", sent))
	return nil
}
