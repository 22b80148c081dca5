package scrub

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatsSnapshotInitialState(t *testing.T) {
	s := NewStats(time.Now())
	snap := s.Snapshot()

	if snap.DataExtentsScrubbed != 0 {
		t.Errorf("Expected 0 initial data extents, got %d", snap.DataExtentsScrubbed)
	}
	if snap.ReadErrors != 0 {
		t.Errorf("Expected 0 initial read errors, got %d", snap.ReadErrors)
	}
}

func TestStatsSnapshotReflectsCounters(t *testing.T) {
	s := NewStats(time.Now())

	s.DataExtentsScrubbed.Add(3)
	s.DataBytesScrubbed.Add(4096)
	s.ReadErrors.Add(1)
	s.CorrectedErrors.Add(1)
	s.LastPhysical.Store(8192)

	snap := s.Snapshot()
	if snap.DataExtentsScrubbed != 3 {
		t.Errorf("Expected DataExtentsScrubbed=3, got %d", snap.DataExtentsScrubbed)
	}
	if snap.DataBytesScrubbed != 4096 {
		t.Errorf("Expected DataBytesScrubbed=4096, got %d", snap.DataBytesScrubbed)
	}
	if snap.ReadErrors != 1 {
		t.Errorf("Expected ReadErrors=1, got %d", snap.ReadErrors)
	}
	if snap.CorrectedErrors != 1 {
		t.Errorf("Expected CorrectedErrors=1, got %d", snap.CorrectedErrors)
	}
	if snap.LastPhysical != 8192 {
		t.Errorf("Expected LastPhysical=8192, got %d", snap.LastPhysical)
	}
}

func TestStatsUptimeStopsAccumulating(t *testing.T) {
	start := time.Now()
	s := NewStats(start)

	time.Sleep(10 * time.Millisecond)
	s.Stop(start.Add(10 * time.Millisecond))

	snap1 := s.Snapshot()
	time.Sleep(5 * time.Millisecond)
	snap2 := s.Snapshot()

	if snap1.UptimeNs != snap2.UptimeNs {
		t.Errorf("Expected uptime to freeze after Stop, got %d then %d", snap1.UptimeNs, snap2.UptimeNs)
	}
	if snap1.UptimeNs < 10*int64(time.Millisecond) {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap1.UptimeNs)
	}
}

func TestStatSnapshotMsgpRoundTrip(t *testing.T) {
	want := StatSnapshot{
		DataExtentsScrubbed: 1,
		TreeExtentsScrubbed: 2,
		DataBytesScrubbed:   3,
		TreeBytesScrubbed:   4,
		ReadErrors:          5,
		CsumErrors:          6,
		CorrectedErrors:     7,
		UncorrectableErrors: 8,
		LastPhysical:        9000,
		UptimeNs:            123456,
	}

	encoded, err := want.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg failed: %v", err)
	}
	if len(encoded) == 0 {
		t.Fatal("Expected non-empty encoding")
	}

	var got StatSnapshot
	rest, err := got.UnmarshalMsg(encoded)
	if err != nil {
		t.Fatalf("UnmarshalMsg failed: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("Expected no trailing bytes, got %d", len(rest))
	}
	if got != want {
		t.Errorf("Round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestStatSnapshotMsgsizeIsAnUpperBoundHint(t *testing.T) {
	snap := StatSnapshot{ReadErrors: 42}
	encoded, err := snap.MarshalMsg(make([]byte, 0, snap.Msgsize()))
	if err != nil {
		t.Fatalf("MarshalMsg failed: %v", err)
	}
	if cap(encoded) < len(encoded) {
		t.Error("Encoded slice capacity should never be smaller than its length")
	}
}

func TestStatSnapshotJSONUsesSnakeCaseFields(t *testing.T) {
	snap := StatSnapshot{ReadErrors: 2, LastPhysical: 4096}

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("json.Unmarshal failed: %v", err)
	}
	if decoded["read_errors"] != float64(2) {
		t.Errorf("Expected read_errors=2 in JSON, got %v", decoded["read_errors"])
	}
	if decoded["last_physical"] != float64(4096) {
		t.Errorf("Expected last_physical=4096 in JSON, got %v", decoded["last_physical"])
	}
}
