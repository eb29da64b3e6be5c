package utils

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewSessionID_IsUUID(t *testing.T) {
	id := NewSessionID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected uuid, got %q: %v", id, err)
	}
	if NewSessionID() == id {
		t.Fatalf("expected unique ids")
	}
}

func TestNewEventID_SortsByTime(t *testing.T) {
	a := NewEventID()
	time.Sleep(2 * time.Millisecond)
	b := NewEventID()
	if !(a < b) {
		t.Fatalf("expected %s < %s", a, b)
	}
	if EventTime(a).IsZero() {
		t.Fatalf("expected timestamp in event id")
	}
	if !EventTime("not-an-id").IsZero() {
		t.Fatalf("expected zero time for invalid id")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" k1:9092, ,k2:9092 ")
	if len(got) != 2 || got[0] != "k1:9092" || got[1] != "k2:9092" {
		t.Fatalf("unexpected split: %v", got)
	}
	if SplitList("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}
