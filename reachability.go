package haven

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Reachability Observer
// ============================================================================

// DefaultProbeInterval is the cadence of the optional backend probe loop.
const DefaultProbeInterval = 10 * time.Second

// ReachabilityHandler receives online/offline transitions.
type ReachabilityHandler func(online bool)

// ReachabilityOptions configures the Reachability observer.
type ReachabilityOptions struct {
	ProbeInterval time.Duration
	Logger        *zap.Logger
}

// Reachability tracks network state and fans transitions out to
// subscribers. State can be fed externally through SetOnline (platform
// connectivity callbacks) or derived by probing the backend health
// endpoint. The observer assumes online until told otherwise.
type Reachability struct {
	log      *zap.Logger
	interval time.Duration

	mu       sync.Mutex
	online   bool
	handlers []ReachabilityHandler
	stopCh   chan struct{}
	stopped  bool
}

// NewReachability creates a reachability observer.
func NewReachability(opts *ReachabilityOptions) *Reachability {
	r := &Reachability{
		log:      zap.NewNop(),
		interval: DefaultProbeInterval,
		online:   true,
		stopCh:   make(chan struct{}),
	}
	if opts != nil {
		if opts.ProbeInterval > 0 {
			r.interval = opts.ProbeInterval
		}
		if opts.Logger != nil {
			r.log = opts.Logger
		}
	}
	return r
}

// IsOnline returns the current network state.
func (r *Reachability) IsOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// OnChange subscribes to online/offline transitions. Handlers run on the
// calling goroutine of the transition.
func (r *Reachability) OnChange(h ReachabilityHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// SetOnline records the network state and notifies subscribers on every
// transition. Repeated same-state calls are no-ops.
func (r *Reachability) SetOnline(online bool) {
	r.mu.Lock()
	if r.online == online {
		r.mu.Unlock()
		return
	}
	r.online = online
	handlers := append([]ReachabilityHandler(nil), r.handlers...)
	r.mu.Unlock()

	if online {
		r.log.Info("reachability: online")
	} else {
		r.log.Info("reachability: offline")
	}
	for _, h := range handlers {
		h(online)
	}
}

// StartProbing polls the backend health endpoint and feeds the result
// into SetOnline. Use when no platform connectivity signal is available.
func (r *Reachability) StartProbing(client *Client) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.interval)
				err := client.Health(ctx)
				cancel()
				r.SetOnline(err == nil)
			}
		}
	}()
}

// Stop halts the probe loop.
func (r *Reachability) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
}

// Bind wires the standard pipeline reactions: the delivery engine tracks
// every transition, and a regained connection kicks a silent alert
// refresh.
func (r *Reachability) Bind(delivery *DeliveryEngine, alerts *AlertEngine) {
	r.OnChange(func(online bool) {
		delivery.SetOnline(online)
		if online && alerts != nil {
			go alerts.Refresh(context.Background(), true)
		}
	})
}
