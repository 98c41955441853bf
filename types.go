package haven

import (
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a structured error body returned by the backend.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// HTTPError represents a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err is a 401 response. A 401 is the only
// status the delivery engine treats specially: it aborts the current
// sweep because every subsequent attempt would fail identically until
// the credential is refreshed.
func IsAuthError(err error) bool {
	he, ok := err.(*HTTPError)
	return ok && he.StatusCode == 401
}

// ============================================================================
// Severity
// ============================================================================

// Severity is the alert severity level reported by the backend.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

var severityRanks = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
}

// Rank returns the ordinal rank of the severity, lower is more severe.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return len(severityRanks)
}

// Notifiable reports whether newly-arrived alerts of this severity
// qualify for a local notification.
func (s Severity) Notifiable() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// ============================================================================
// Alerts
// ============================================================================

// Alert is a disaster alert record from GET /api/alerts.
type Alert struct {
	ID          string   `json:"_id"`
	Type        string   `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Severity    Severity `json:"severity"`
	Location    string   `json:"location,omitempty"`
	Latitude    float64  `json:"latitude,omitempty"`
	Longitude   float64  `json:"longitude,omitempty"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

// SortAlerts orders alerts for display: severity rank first, then
// recency descending. The slice is sorted in place.
func SortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.Rank(), alerts[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return alerts[i].CreatedAt > alerts[j].CreatedAt
	})
}

// AlertSnapshot is the persisted alert cache. Alerts always reflect
// either the last successful fetch or the cache from a previous session,
// never a partial fetch.
type AlertSnapshot struct {
	Alerts      []Alert `json:"alerts"`
	LastUpdated string  `json:"lastUpdated,omitempty"`
}

// ============================================================================
// SOS Requests
// ============================================================================

// RequestStatus is the lifecycle state of a queued SOS request.
//
// pending → sending → {sent | failed}; failed → sending is the only
// re-entry transition. sent is terminal for the active queue.
type RequestStatus string

const (
	StatusPending RequestStatus = "pending"
	StatusSending RequestStatus = "sending"
	StatusSent    RequestStatus = "sent"
	StatusFailed  RequestStatus = "failed"
)

// SOSPayload is the user-supplied content of an emergency request.
// Coordinates are optional: when no location fix is available they are
// sent as absent, never defaulted, to avoid reporting a false position.
type SOSPayload struct {
	Message     string   `json:"message,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Validate rejects malformed payloads before they enter the queue.
func (p *SOSPayload) Validate() error {
	if (p.Latitude == nil) != (p.Longitude == nil) {
		return fmt.Errorf("latitude and longitude must be provided together")
	}
	if p.Latitude != nil {
		if *p.Latitude < -90 || *p.Latitude > 90 {
			return fmt.Errorf("latitude %v out of range [-90, 90]", *p.Latitude)
		}
		if *p.Longitude < -180 || *p.Longitude > 180 {
			return fmt.Errorf("longitude %v out of range [-180, 180]", *p.Longitude)
		}
	}
	if p.Message == "" && p.Latitude == nil && len(p.Attachments) == 0 {
		return fmt.Errorf("empty payload: message, coordinates or attachments required")
	}
	return nil
}

// QueuedRequest is one emergency send attempt in the offline queue.
type QueuedRequest struct {
	// LocalID is generated client-side at enqueue time and is the only
	// lookup key until the server acknowledges creation.
	LocalID string `json:"localId"`
	// ServerID is reconciled from the backend response after a
	// successful delivery.
	ServerID  string        `json:"serverId,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    RequestStatus `json:"status"`
	Payload   SOSPayload    `json:"payload"`
	SentAt    time.Time     `json:"sentAt,omitempty"`
}

// SOSResponse is the backend acknowledgement from POST /api/sos.
// Mongo-backed deployments return _id; id is accepted as a fallback.
type SOSResponse struct {
	MongoID string `json:"_id,omitempty"`
	AltID   string `json:"id,omitempty"`
	Status  string `json:"status,omitempty"`
}

// ServerID returns whichever identifier the backend populated.
func (r *SOSResponse) ServerID() string {
	if r.MongoID != "" {
		return r.MongoID
	}
	return r.AltID
}

// SOSRecord is a server-side SOS request from GET /api/sos/mine.
type SOSRecord struct {
	ID          string   `json:"_id"`
	User        string   `json:"user,omitempty"`
	Message     string   `json:"message,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Status      string   `json:"status,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}
