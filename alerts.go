package haven

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Notifications
// ============================================================================

// Notifier delivers local notifications. Fire-and-forget: the engine
// tracks no acknowledgement.
type Notifier interface {
	Schedule(title, body string, data map[string]string)
}

// LogNotifier writes notifications to a logger. It is the default sink
// when no platform notifier is wired in.
type LogNotifier struct {
	Log *zap.Logger
}

func (n *LogNotifier) Schedule(title, body string, data map[string]string) {
	log := n.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("notification",
		zap.String("title", title),
		zap.String("body", body),
		zap.Any("data", data))
}

// ============================================================================
// Scheduler
// ============================================================================

// scheduler abstracts delayed re-invocation so backoff can be driven
// deterministically in tests. The returned function cancels the task.
type scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// ============================================================================
// Alert Refresh Engine
// ============================================================================

const (
	// DefaultRefreshBaseDelay is the first retry delay after a failed
	// fetch; subsequent delays double.
	DefaultRefreshBaseDelay = 1500 * time.Millisecond
	// DefaultMaxRefreshRetries caps automatic retries per trigger.
	DefaultMaxRefreshRetries = 3
	// ErrStaleAlerts is the terminal user-visible error after the retry
	// cap is exhausted. The cached list stays on display.
	ErrStaleAlerts = "Unable to refresh alerts. Showing last known data."
)

// AlertEngineOptions configures the AlertEngine.
type AlertEngineOptions struct {
	BaseDelay  time.Duration
	MaxRetries int
	Notifier   Notifier
	Logger     *zap.Logger
}

// AlertEngine keeps a local snapshot of the alert feed.
//
// Refresh fetches the feed, replaces the snapshot atomically, persists
// it, and raises exactly one notification per newly-arrived alert of
// critical or high severity. Alerts present in both the old and new sets
// never re-notify, even if their fields changed. The very first load of
// a session establishes a baseline and emits nothing.
//
// Failed fetches retry silently with exponential backoff
// (base * 2^attempt) up to MaxRetries, then surface ErrStaleAlerts and
// halt until the next external trigger. A single fetch is in flight at
// a time; re-entrant calls are no-ops.
type AlertEngine struct {
	client   *Client
	storage  Storage
	notifier Notifier
	log      *zap.Logger
	sched    scheduler
	now      func() time.Time

	baseDelay  time.Duration
	maxRetries int

	mu          sync.Mutex
	alerts      []Alert
	lastUpdated string
	retryCount  int
	errMsg      string
	loading     bool
	refreshing  bool
	cancelRetry func()
}

// NewAlertEngine creates an alert engine persisting through storage.
func NewAlertEngine(client *Client, storage Storage, opts *AlertEngineOptions) *AlertEngine {
	e := &AlertEngine{
		client:     client,
		storage:    storage,
		notifier:   &LogNotifier{},
		log:        zap.NewNop(),
		sched:      realScheduler{},
		now:        time.Now,
		baseDelay:  DefaultRefreshBaseDelay,
		maxRetries: DefaultMaxRefreshRetries,
	}
	if opts != nil {
		if opts.BaseDelay > 0 {
			e.baseDelay = opts.BaseDelay
		}
		if opts.MaxRetries > 0 {
			e.maxRetries = opts.MaxRetries
		}
		if opts.Notifier != nil {
			e.notifier = opts.Notifier
		}
		if opts.Logger != nil {
			e.log = opts.Logger
		}
	}
	return e
}

// Init rehydrates the snapshot from the persisted cache of a previous
// session. Missing or corrupt cache yields an empty snapshot, never an
// error. Call Refresh afterwards to fetch fresh data.
func (e *AlertEngine) Init() {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, ok, err := e.storage.Get(alertsStorageKey)
	if err != nil {
		e.log.Warn("alerts: cache load failed, starting empty", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var snap AlertSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		e.log.Warn("alerts: corrupt cache, starting empty", zap.Error(err))
		return
	}
	e.alerts = snap.Alerts
	e.lastUpdated = snap.LastUpdated
}

// Stop cancels any scheduled backoff retry.
func (e *AlertEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelRetryLocked()
}

// Refresh fetches the alert feed. silent refreshes (background or
// periodic) never toggle the loading state; only the terminal error
// after cap exhaustion becomes visible.
func (e *AlertEngine) Refresh(ctx context.Context, silent bool) {
	e.mu.Lock()
	if e.refreshing {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	e.cancelRetryLocked()
	attempt := e.retryCount
	if !silent {
		e.loading = true
		e.errMsg = ""
	}
	e.mu.Unlock()

	alerts, err := e.client.Alerts().List(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshing = false
	if !silent {
		e.loading = false
	}

	if err != nil {
		e.log.Warn("alerts: refresh failed", zap.Int("attempt", attempt), zap.Error(err))
		e.scheduleRetryLocked(attempt)
		return
	}

	e.notifyNewLocked(e.alerts, alerts)

	e.alerts = alerts
	e.lastUpdated = e.now().UTC().Format(time.RFC3339)
	e.retryCount = 0
	e.errMsg = ""
	e.persistLocked()
}

// notifyNewLocked emits one notification per alert present in next but
// not in prev, severity permitting. An empty prev set is the session
// baseline: genuinely new arrivals only alert after it is established.
func (e *AlertEngine) notifyNewLocked(prev, next []Alert) {
	if len(prev) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(prev))
	for _, a := range prev {
		seen[a.ID] = struct{}{}
	}
	for _, a := range next {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		if a.Severity.Notifiable() {
			e.notify(a)
		}
	}
}

func (e *AlertEngine) notify(a Alert) {
	title := strings.ToUpper(string(a.Severity)) + ": " + a.Title
	body := a.Location
	if body == "" {
		body = a.Type
	} else if a.Type != "" {
		body += " - " + a.Type
	}
	e.notifier.Schedule(title, body, map[string]string{"alertId": a.ID})
}

// scheduleRetryLocked applies exponential backoff, or surfaces the
// terminal error once the cap is exhausted.
func (e *AlertEngine) scheduleRetryLocked(attempt int) {
	next := attempt + 1
	if next > e.maxRetries {
		e.retryCount = 0
		e.errMsg = ErrStaleAlerts
		e.log.Warn("alerts: retries exhausted, showing cached data")
		return
	}

	delay := e.baseDelay * (1 << uint(attempt))
	e.retryCount = next
	e.cancelRetry = e.sched.AfterFunc(delay, func() {
		e.Refresh(context.Background(), true)
	})
	e.log.Debug("alerts: retry scheduled",
		zap.Int("attempt", next), zap.Duration("delay", delay))
}

func (e *AlertEngine) cancelRetryLocked() {
	if e.cancelRetry != nil {
		e.cancelRetry()
		e.cancelRetry = nil
	}
}

func (e *AlertEngine) persistLocked() {
	snap := AlertSnapshot{Alerts: e.alerts, LastUpdated: e.lastUpdated}
	data, err := json.Marshal(&snap)
	if err == nil {
		err = e.storage.Set(alertsStorageKey, data)
	}
	if err != nil {
		e.log.Warn("alerts: failed to persist cache", zap.Error(err))
	}
}

// HandleRealtimeAlert merges a pushed alert into the snapshot. Pushed
// alerts unknown to the snapshot notify under the same severity rules as
// refresh arrivals.
func (e *AlertEngine) HandleRealtimeAlert(a Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.alerts {
		if existing.ID == a.ID {
			e.alerts[i] = a
			e.persistLocked()
			return
		}
	}
	if a.Severity.Notifiable() {
		e.notify(a)
	}
	e.alerts = append([]Alert{a}, e.alerts...)
	e.persistLocked()
}

// ── read-only views ──────────────────────────────────────

// Snapshot returns a copy of the current alert list in display order
// (severity rank, then recency descending) plus the last-updated stamp.
func (e *AlertEngine) Snapshot() AlertSnapshot {
	e.mu.Lock()
	alerts := append([]Alert(nil), e.alerts...)
	updated := e.lastUpdated
	e.mu.Unlock()

	SortAlerts(alerts)
	return AlertSnapshot{Alerts: alerts, LastUpdated: updated}
}

// Err returns the current user-visible error, if any.
func (e *AlertEngine) Err() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errMsg
}

// Loading reports whether a non-silent refresh is in flight.
func (e *AlertEngine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loading
}

// RetryCount returns the current backoff attempt counter.
func (e *AlertEngine) RetryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCount
}
