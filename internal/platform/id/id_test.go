package id

import (
	"strings"
	"testing"
	"time"
)

func TestNewIDFormat(t *testing.T) {
	value, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(value) != 26 {
		t.Fatalf("expected 26-character id, got %d", len(value))
	}
	if value != strings.ToLower(value) {
		t.Fatalf("expected lower-case id, got %q", value)
	}
}

func TestNewIDSortsByCreation(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := NewIDAt(at)
	if err != nil {
		t.Fatalf("first id: %v", err)
	}
	second, err := NewIDAt(at)
	if err != nil {
		t.Fatalf("second id: %v", err)
	}
	later, err := NewIDAt(at.Add(time.Second))
	if err != nil {
		t.Fatalf("later id: %v", err)
	}
	if !(first < second && second < later) {
		t.Fatalf("expected ordered ids, got %q %q %q", first, second, later)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	value, err := NewIDAt(at)
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	got, err := Time(value)
	if err != nil {
		t.Fatalf("time: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("time = %s, want %s", got, at)
	}
	if _, err := Time("not-an-id"); err == nil {
		t.Fatal("expected parse error")
	}
}
