package haven

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Offline Request Queue
// ============================================================================

// DefaultHistoryLimit bounds the read-only history of sent requests.
const DefaultHistoryLimit = 100

// OutboxOptions configures the Outbox.
type OutboxOptions struct {
	HistoryLimit int
	Logger       *zap.Logger
}

// Outbox is the durable offline queue of pending emergency requests.
//
// An enqueue is durably recorded before it returns, independent of
// network state; it can only fail on a local-storage fault, which is
// surfaced to the caller. All other persistence (state transitions,
// history) is best-effort: write failures are logged and swallowed and
// the in-memory state stays authoritative for the session.
//
// The Outbox is owned by the delivery engine; other callers read the
// Pending and History views and issue intents only.
type Outbox struct {
	mu           sync.Mutex
	storage      Storage
	log          *zap.Logger
	items        []*QueuedRequest // active queue, oldest first
	history      []QueuedRequest  // sent requests, newest first, bounded
	historyLimit int

	now   func() time.Time
	newID func() string
}

// NewOutbox creates an offline queue persisting through storage.
// Call Load before the first Enqueue to rehydrate prior state.
func NewOutbox(storage Storage, opts *OutboxOptions) *Outbox {
	o := &Outbox{
		storage:      storage,
		log:          zap.NewNop(),
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	if opts != nil {
		if opts.HistoryLimit > 0 {
			o.historyLimit = opts.HistoryLimit
		}
		if opts.Logger != nil {
			o.log = opts.Logger
		}
	}
	return o
}

// Load rehydrates the queue and history from durable storage. Missing or
// corrupt storage yields an empty queue, never an error. Any request
// persisted as sending is demoted to pending: a crash leaves no reliable
// in-flight record, and without the demotion the item would stay marked
// sending forever with no worker claiming it.
func (o *Outbox) Load() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.items = nil
	if data, ok, err := o.storage.Get(queueStorageKey); err != nil {
		o.log.Warn("outbox: load failed, starting empty", zap.Error(err))
	} else if ok {
		var items []*QueuedRequest
		if err := json.Unmarshal(data, &items); err != nil {
			o.log.Warn("outbox: corrupt queue state, starting empty", zap.Error(err))
		} else {
			for _, it := range items {
				if it.Status == StatusSending {
					it.Status = StatusPending
				}
			}
			o.items = items
		}
	}
	sort.SliceStable(o.items, func(i, j int) bool {
		return o.items[i].CreatedAt.Before(o.items[j].CreatedAt)
	})

	o.history = nil
	if data, ok, err := o.storage.Get(historyStorageKey); err != nil {
		o.log.Warn("outbox: history load failed", zap.Error(err))
	} else if ok {
		if err := json.Unmarshal(data, &o.history); err != nil {
			o.log.Warn("outbox: corrupt history, starting empty", zap.Error(err))
			o.history = nil
		}
	}

	o.persistLocked()
}

// Enqueue accepts a new emergency request and durably records it before
// returning. It never fails for lack of connectivity; the only error
// paths are payload validation and a local-storage fault.
func (o *Outbox) Enqueue(payload SOSPayload) (*QueuedRequest, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sos payload: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	req := &QueuedRequest{
		LocalID:   o.newID(),
		CreatedAt: o.now(),
		Status:    StatusPending,
		Payload:   payload,
	}
	o.items = append(o.items, req)

	if err := o.writeQueueLocked(); err != nil {
		// Roll back so the caller sees exactly what was recorded.
		o.items = o.items[:len(o.items)-1]
		return nil, fmt.Errorf("failed to persist sos request: %w", err)
	}

	o.log.Info("outbox: enqueued", zap.String("localId", req.LocalID))
	copied := *req
	return &copied, nil
}

// MarkSending transitions a request to sending. Persisted before the
// network call is issued so a crash mid-flight is recoverable.
func (o *Outbox) MarkSending(localID string) {
	o.setStatus(localID, StatusSending, "")
}

// MarkFailed records a failed delivery attempt; the request stays in the
// queue and becomes eligible for the next retry sweep.
func (o *Outbox) MarkFailed(localID string) {
	o.setStatus(localID, StatusFailed, "")
}

// MarkSent reconciles the server-assigned id, evicts the request from
// the active queue and appends it to the bounded history view.
func (o *Outbox) MarkSent(localID, serverID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.indexLocked(localID)
	if idx < 0 {
		return
	}
	req := o.items[idx]
	req.Status = StatusSent
	req.ServerID = serverID
	req.SentAt = o.now()

	o.items = append(o.items[:idx], o.items[idx+1:]...)
	o.history = append([]QueuedRequest{*req}, o.history...)
	if len(o.history) > o.historyLimit {
		o.history = o.history[:o.historyLimit]
	}

	o.persistLocked()
	o.log.Info("outbox: sent",
		zap.String("localId", localID),
		zap.String("serverId", serverID))
}

// ToggleAttachment adds or removes a file reference on the request
// identified by localID. The target must be named explicitly; there is
// no "most recent item" shorthand.
func (o *Outbox) ToggleAttachment(localID, fileID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.indexLocked(localID)
	if idx < 0 {
		return fmt.Errorf("no queued request with localId %q", localID)
	}
	req := o.items[idx]
	if req.Status == StatusSending {
		return fmt.Errorf("request %q is in flight", localID)
	}

	attachments := req.Payload.Attachments
	found := false
	for i, id := range attachments {
		if id == fileID {
			req.Payload.Attachments = append(attachments[:i], attachments[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		req.Payload.Attachments = append(attachments, fileID)
	}

	o.persistLocked()
	return nil
}

// Remove drops a request from the active queue by localID.
func (o *Outbox) Remove(localID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.indexLocked(localID)
	if idx < 0 {
		return
	}
	o.items = append(o.items[:idx], o.items[idx+1:]...)
	o.persistLocked()
}

// ClearHistory empties the history view.
func (o *Outbox) ClearHistory() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = nil
	if err := o.storage.Remove(historyStorageKey); err != nil {
		o.log.Warn("outbox: failed to clear history", zap.Error(err))
	}
}

// Get returns a copy of the request with the given localID.
func (o *Outbox) Get(localID string) (QueuedRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := o.indexLocked(localID)
	if idx < 0 {
		return QueuedRequest{}, false
	}
	return *o.items[idx], true
}

// Pending returns a copy of the active queue, oldest first.
func (o *Outbox) Pending() []QueuedRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]QueuedRequest, len(o.items))
	for i, it := range o.items {
		out[i] = *it
	}
	return out
}

// History returns a copy of the sent-request history, newest first.
func (o *Outbox) History() []QueuedRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueuedRequest(nil), o.history...)
}

// Len returns the number of requests in the active queue.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// sweepSnapshot returns the localIDs of retryable requests in creation
// order. The delivery engine attempts them strictly sequentially.
func (o *Outbox) sweepSnapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for _, it := range o.items {
		if it.Status == StatusPending || it.Status == StatusFailed {
			ids = append(ids, it.LocalID)
		}
	}
	return ids
}

// ── internal ─────────────────────────────────────────────

func (o *Outbox) indexLocked(localID string) int {
	for i, it := range o.items {
		if it.LocalID == localID {
			return i
		}
	}
	return -1
}

func (o *Outbox) setStatus(localID string, status RequestStatus, serverID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.indexLocked(localID)
	if idx < 0 {
		return
	}
	o.items[idx].Status = status
	if serverID != "" {
		o.items[idx].ServerID = serverID
	}
	o.persistLocked()
}

func (o *Outbox) writeQueueLocked() error {
	data, err := json.Marshal(o.items)
	if err != nil {
		return err
	}
	return o.storage.Set(queueStorageKey, data)
}

// persistLocked writes queue and history back to storage, best-effort.
func (o *Outbox) persistLocked() {
	if err := o.writeQueueLocked(); err != nil {
		o.log.Warn("outbox: failed to persist queue", zap.Error(err))
	}
	data, err := json.Marshal(o.history)
	if err == nil {
		err = o.storage.Set(historyStorageKey, data)
	}
	if err != nil {
		o.log.Warn("outbox: failed to persist history", zap.Error(err))
	}
}
