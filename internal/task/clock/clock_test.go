package clock

import (
	"encoding/json"
	"testing"
	"time"
)

func at(hour, min int) time.Time {
	return time.Date(2025, time.March, 10, hour, min, 0, 0, time.UTC)
}

func TestHourRangeValid(t *testing.T) {
	cases := []struct {
		name  string
		r     HourRange
		valid bool
	}{
		{"typical", HourRange{8, 22}, true},
		{"full day", HourRange{0, 24}, true},
		{"single hour", HourRange{9, 10}, true},
		{"empty", HourRange{10, 10}, false},
		{"inverted", HourRange{22, 8}, false},
		{"negative start", HourRange{-1, 10}, false},
		{"end past midnight", HourRange{8, 25}, false},
	}
	for _, tc := range cases {
		if got := tc.r.Valid(); got != tc.valid {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestInWindowHalfOpen(t *testing.T) {
	r := &HourRange{8, 22}

	if InWindow(at(7, 59), r) {
		t.Error("07:59 should be outside [8, 22)")
	}
	if !InWindow(at(8, 0), r) {
		t.Error("08:00 should be inside [8, 22)")
	}
	if !InWindow(at(21, 59), r) {
		t.Error("21:59 should be inside [8, 22)")
	}
	// End hour is exclusive
	if InWindow(at(22, 0), r) {
		t.Error("22:00 should be outside [8, 22)")
	}
}

func TestInWindowNilRange(t *testing.T) {
	if !InWindow(at(3, 0), nil) {
		t.Error("nil range should accept any hour")
	}
}

func TestAdvanceToNextValid(t *testing.T) {
	r := &HourRange{8, 22}

	// Inside the window: unchanged
	in := at(12, 30)
	if got := AdvanceToNextValid(in, r); !got.Equal(in) {
		t.Errorf("in-window time should be unchanged, got %v", got)
	}

	// Before the window: snap to same-day start
	got := AdvanceToNextValid(at(7, 30), r)
	want := at(8, 0)
	if !got.Equal(want) {
		t.Errorf("07:30 should advance to %v, got %v", want, got)
	}

	// At the window end: snap to next-day start
	got = AdvanceToNextValid(at(22, 0), r)
	want = time.Date(2025, time.March, 11, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("22:00 should advance to %v, got %v", want, got)
	}

	// Late evening wraps to next day
	got = AdvanceToNextValid(at(23, 45), r)
	if !got.Equal(want) {
		t.Errorf("23:45 should advance to %v, got %v", want, got)
	}
}

func TestAdvanceToNextValidNilRange(t *testing.T) {
	ts := at(3, 15)
	if got := AdvanceToNextValid(ts, nil); !got.Equal(ts) {
		t.Errorf("nil range should not move the timestamp, got %v", got)
	}
}

func TestNextExecutionFirstRun(t *testing.T) {
	now := at(7, 30)
	r := &HourRange{8, 22}

	next := NextExecution(now, nil, time.Hour, r, Date{})
	if next == nil {
		t.Fatal("expected a next execution time")
	}
	if !next.Equal(at(8, 0)) {
		t.Errorf("first run at 07:30 should defer to 08:00, got %v", next)
	}
}

func TestNextExecutionFromLastRun(t *testing.T) {
	r := &HourRange{8, 22}
	last := at(10, 0)

	next := NextExecution(at(10, 30), &last, 2*time.Hour, r, Date{})
	if next == nil {
		t.Fatal("expected a next execution time")
	}
	if !next.Equal(at(12, 0)) {
		t.Errorf("expected 12:00, got %v", next)
	}
}

func TestNextExecutionWrapsOvernight(t *testing.T) {
	r := &HourRange{8, 22}
	last := at(21, 30)

	// 21:30 + 1h = 22:30, past the window end: wraps to 08:00 next day
	next := NextExecution(at(21, 30), &last, time.Hour, r, Date{})
	if next == nil {
		t.Fatal("expected a next execution time")
	}
	want := time.Date(2025, time.March, 11, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextExecutionEndDateCutoff(t *testing.T) {
	r := &HourRange{8, 22}
	end := Date{2025, time.March, 11}

	// Candidate lands on the end date itself: no more runs
	last := at(21, 30)
	if next := NextExecution(at(21, 30), &last, time.Hour, r, end); next != nil {
		t.Errorf("candidate wrapping onto end date should yield nil, got %v", next)
	}

	// Candidate before the end date survives
	last = at(10, 0)
	next := NextExecution(at(10, 0), &last, time.Hour, r, end)
	if next == nil {
		t.Fatal("expected a next execution time before the end date")
	}
	if !next.Equal(at(11, 0)) {
		t.Errorf("expected 11:00, got %v", next)
	}
}

func TestNextExecutionCandidatePastEndDate(t *testing.T) {
	last := at(12, 0)
	end := Date{2025, time.March, 10}

	if next := NextExecution(at(12, 0), &last, time.Hour, nil, end); next != nil {
		t.Errorf("candidate on end date should yield nil, got %v", next)
	}
}

func TestDateJSONRoundTrip(t *testing.T) {
	d := Date{2025, time.March, 10}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"2025-03-10"` {
		t.Errorf("unexpected encoding: %s", data)
	}

	var back Date
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != d {
		t.Errorf("round trip mismatch: %v != %v", back, d)
	}

	var unset Date
	if err := json.Unmarshal([]byte("null"), &unset); err != nil {
		t.Fatalf("unmarshal null failed: %v", err)
	}
	if !unset.IsZero() {
		t.Error("null should decode to the zero date")
	}
}

func TestDateBeforeAndAddDays(t *testing.T) {
	d := Date{2025, time.March, 31}
	next := d.AddDays(1)
	if next != (Date{2025, time.April, 1}) {
		t.Errorf("AddDays should normalize month rollover, got %v", next)
	}
	if !d.Before(next) {
		t.Error("March 31 should be before April 1")
	}
	if next.Before(d) {
		t.Error("April 1 should not be before March 31")
	}
}

func TestHourRangeJSON(t *testing.T) {
	r := HourRange{8, 22}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != "[8,22]" {
		t.Errorf("unexpected encoding: %s", data)
	}

	var back HourRange
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != r {
		t.Errorf("round trip mismatch: %v != %v", back, r)
	}

	var bad HourRange
	if err := json.Unmarshal([]byte("[22,8]"), &bad); err == nil {
		t.Error("inverted range should fail to decode")
	}
}
