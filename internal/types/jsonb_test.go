package types

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// DataPayload
// ---------------------------------------------------------------------------

func TestDataPayload_ScanValue_RoundTrip(t *testing.T) {
	original := DataPayload{
		"type":      "connect_comment",
		"sender_id": "user-a",
		"count":     float64(3),
	}

	dv, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	jsonBytes, ok := dv.([]byte)
	if !ok {
		t.Fatalf("Value() did not return []byte, got %T", dv)
	}

	var scanned DataPayload
	if err := scanned.Scan(jsonBytes); err != nil {
		t.Fatalf("Scan([]byte) error: %v", err)
	}
	if scanned["type"] != "connect_comment" {
		t.Errorf("type: got %v, want connect_comment", scanned["type"])
	}
	if scanned["count"] != float64(3) {
		t.Errorf("count: got %v, want 3", scanned["count"])
	}
}

func TestDataPayload_Scan_String(t *testing.T) {
	// Some drivers hand JSONB back as a string.
	var d DataPayload
	if err := d.Scan(`{"variant":"intro"}`); err != nil {
		t.Fatalf("Scan(string) error: %v", err)
	}
	if d["variant"] != "intro" {
		t.Errorf("variant: got %v, want intro", d["variant"])
	}
}

func TestDataPayload_Scan_Nil(t *testing.T) {
	d := DataPayload{"stale": true}
	if err := d.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if d != nil {
		t.Errorf("Scan(nil) should reset the payload, got %v", d)
	}
}

func TestDataPayload_Scan_UnsupportedType(t *testing.T) {
	var d DataPayload
	if err := d.Scan(42); err == nil {
		t.Error("Scan(int) should return an error for unsupported types")
	}
}

func TestDataPayload_Value_Nil(t *testing.T) {
	var d DataPayload
	dv, err := d.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}
	if dv != nil {
		t.Errorf("nil payload should store SQL NULL, got %v", dv)
	}
}

// ---------------------------------------------------------------------------
// Recurrence
// ---------------------------------------------------------------------------

func TestRecurrence_ScanValue_RoundTrip(t *testing.T) {
	remaining := 5
	endAt := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	original := Recurrence{
		Kind:                  RecurEveryNDays,
		IntervalDays:          2,
		Hour:                  17,
		Minute:                0,
		TimezoneOffsetMinutes: -300,
		Occurrences:           &remaining,
		EndAt:                 &endAt,
	}

	dv, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var scanned Recurrence
	if err := scanned.Scan(dv); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if scanned.Kind != RecurEveryNDays {
		t.Errorf("Kind: got %q, want %q", scanned.Kind, RecurEveryNDays)
	}
	if scanned.IntervalDays != 2 {
		t.Errorf("IntervalDays: got %d, want 2", scanned.IntervalDays)
	}
	if scanned.TimezoneOffsetMinutes != -300 {
		t.Errorf("TimezoneOffsetMinutes: got %d, want -300", scanned.TimezoneOffsetMinutes)
	}
	if scanned.Occurrences == nil || *scanned.Occurrences != 5 {
		t.Errorf("Occurrences: got %v, want 5", scanned.Occurrences)
	}
	if scanned.EndAt == nil || !scanned.EndAt.Equal(endAt) {
		t.Errorf("EndAt: got %v, want %v", scanned.EndAt, endAt)
	}
}

func TestRecurrence_ScanValue_WeekdaysRoundTrip(t *testing.T) {
	original := Recurrence{
		Kind:     RecurWeekdays,
		Weekdays: []int{0, 3},
		Hour:     20,
		Minute:   30,
	}

	dv, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var scanned Recurrence
	if err := scanned.Scan(dv); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(scanned.Weekdays) != 2 || scanned.Weekdays[0] != 0 || scanned.Weekdays[1] != 3 {
		t.Errorf("Weekdays: got %v, want [0 3]", scanned.Weekdays)
	}
	if scanned.Occurrences != nil {
		t.Errorf("Occurrences should stay nil (unlimited), got %v", scanned.Occurrences)
	}
}

func TestRecurrence_Scan_NilLeavesZeroValue(t *testing.T) {
	var r Recurrence
	if err := r.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error: %v", err)
	}
	if r.Kind != "" {
		t.Errorf("Scan(nil) should leave the zero value, got Kind %q", r.Kind)
	}
}

// ---------------------------------------------------------------------------
// RouterConfig
// ---------------------------------------------------------------------------

func TestRouterConfig_ScanValue_RoundTrip(t *testing.T) {
	original := RouterConfig{
		Enabled:           true,
		ProcessingEnabled: false,
		AutoCronEnabled:   true,
	}
	original.Connect.BlockedSenders = []string{"user-x"}
	original.Connect.RateLimitsMS = map[string]int64{"connect_like": 30_000}

	dv, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	var scanned RouterConfig
	if err := scanned.Scan(dv); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if !scanned.Enabled {
		t.Error("Enabled should survive the round trip")
	}
	if scanned.ProcessingEnabled {
		t.Error("ProcessingEnabled false should survive the round trip")
	}
	if len(scanned.Connect.BlockedSenders) != 1 || scanned.Connect.BlockedSenders[0] != "user-x" {
		t.Errorf("BlockedSenders: got %v, want [user-x]", scanned.Connect.BlockedSenders)
	}
	if scanned.Connect.RateLimitsMS["connect_like"] != 30_000 {
		t.Errorf("RateLimitsMS[connect_like]: got %d, want 30000", scanned.Connect.RateLimitsMS["connect_like"])
	}
}

func TestRouterConfig_Scan_MalformedJSON(t *testing.T) {
	var c RouterConfig
	if err := c.Scan([]byte(`{"enabled": "not a bool`)); err == nil {
		t.Error("Scan should return an error for malformed JSON")
	}
}
