package haven

import (
	"errors"
	"testing"
)

// ============================================================================
// Severity
// ============================================================================

func TestSeverityRank(t *testing.T) {
	if SeverityCritical.Rank() >= SeverityHigh.Rank() {
		t.Error("critical must rank above high")
	}
	if SeverityHigh.Rank() >= SeverityMedium.Rank() {
		t.Error("high must rank above medium")
	}
	if SeverityMedium.Rank() >= SeverityLow.Rank() {
		t.Error("medium must rank above low")
	}
	if Severity("weird").Rank() <= SeverityLow.Rank() {
		t.Error("unknown severity must rank below low")
	}
}

func TestSeverityNotifiable(t *testing.T) {
	cases := []struct {
		severity Severity
		want     bool
	}{
		{SeverityCritical, true},
		{SeverityHigh, true},
		{SeverityMedium, false},
		{SeverityLow, false},
		{Severity("weird"), false},
	}
	for _, c := range cases {
		if got := c.severity.Notifiable(); got != c.want {
			t.Errorf("Notifiable(%s) = %v, want %v", c.severity, got, c.want)
		}
	}
}

// ============================================================================
// SortAlerts
// ============================================================================

func TestSortAlerts(t *testing.T) {
	alerts := []Alert{
		{ID: "a", Severity: SeverityLow, CreatedAt: "2026-03-01T00:00:00Z"},
		{ID: "b", Severity: SeverityCritical, CreatedAt: "2026-01-01T00:00:00Z"},
		{ID: "c", Severity: SeverityHigh, CreatedAt: "2026-02-01T00:00:00Z"},
		{ID: "d", Severity: SeverityCritical, CreatedAt: "2026-02-01T00:00:00Z"},
		{ID: "e", Severity: SeverityMedium, CreatedAt: "2026-01-15T00:00:00Z"},
	}
	SortAlerts(alerts)

	want := []string{"d", "b", "c", "e", "a"}
	for i, id := range want {
		if alerts[i].ID != id {
			t.Fatalf("position %d: got %s, want %s (order %v)", i, alerts[i].ID, id, alerts)
		}
	}
}

func TestSortAlertsUnknownSeverityLast(t *testing.T) {
	alerts := []Alert{
		{ID: "x", Severity: Severity("unknown")},
		{ID: "y", Severity: SeverityLow},
	}
	SortAlerts(alerts)
	if alerts[0].ID != "y" {
		t.Errorf("expected known severity first, got %s", alerts[0].ID)
	}
}

// ============================================================================
// SOSPayload validation
// ============================================================================

func TestSOSPayloadValidate(t *testing.T) {
	lat, lng := 51.5, -0.12
	badLat, badLng := 91.0, 181.0

	t.Run("message only", func(t *testing.T) {
		p := SOSPayload{Message: "help"}
		if err := p.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("coordinates only", func(t *testing.T) {
		p := SOSPayload{Latitude: &lat, Longitude: &lng}
		if err := p.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		p := SOSPayload{}
		if err := p.Validate(); err == nil {
			t.Error("expected error for empty payload")
		}
	})

	t.Run("latitude without longitude", func(t *testing.T) {
		p := SOSPayload{Message: "help", Latitude: &lat}
		if err := p.Validate(); err == nil {
			t.Error("expected error for unpaired coordinates")
		}
	})

	t.Run("latitude out of range", func(t *testing.T) {
		p := SOSPayload{Latitude: &badLat, Longitude: &lng}
		if err := p.Validate(); err == nil {
			t.Error("expected error for out-of-range latitude")
		}
	})

	t.Run("longitude out of range", func(t *testing.T) {
		p := SOSPayload{Latitude: &lat, Longitude: &badLng}
		if err := p.Validate(); err == nil {
			t.Error("expected error for out-of-range longitude")
		}
	})

	t.Run("attachments only", func(t *testing.T) {
		p := SOSPayload{Attachments: []string{"file-1"}}
		if err := p.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

// ============================================================================
// Errors
// ============================================================================

func TestIsAuthError(t *testing.T) {
	if !IsAuthError(&HTTPError{StatusCode: 401, Body: "unauthorized"}) {
		t.Error("401 must be an auth error")
	}
	if IsAuthError(&HTTPError{StatusCode: 500, Body: "boom"}) {
		t.Error("500 must not be an auth error")
	}
	if IsAuthError(errors.New("network down")) {
		t.Error("plain errors must not be auth errors")
	}
	if IsAuthError(nil) {
		t.Error("nil must not be an auth error")
	}
}

func TestAPIErrorString(t *testing.T) {
	e := &APIError{Message: "invalid token"}
	if e.Error() != "invalid token" {
		t.Errorf("got %q", e.Error())
	}
	e = &APIError{Code: "AUTH", Message: "invalid token"}
	if e.Error() != "AUTH: invalid token" {
		t.Errorf("got %q", e.Error())
	}
}

// ============================================================================
// SOSResponse
// ============================================================================

func TestSOSResponseServerID(t *testing.T) {
	t.Run("mongo id preferred", func(t *testing.T) {
		r := &SOSResponse{MongoID: "m1", AltID: "a1"}
		if r.ServerID() != "m1" {
			t.Errorf("got %q, want m1", r.ServerID())
		}
	})

	t.Run("falls back to id", func(t *testing.T) {
		r := &SOSResponse{AltID: "a1"}
		if r.ServerID() != "a1" {
			t.Errorf("got %q, want a1", r.ServerID())
		}
	})

	t.Run("empty", func(t *testing.T) {
		r := &SOSResponse{}
		if r.ServerID() != "" {
			t.Errorf("got %q, want empty", r.ServerID())
		}
	})
}
