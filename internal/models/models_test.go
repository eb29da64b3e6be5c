package models

import (
	"testing"
	"time"
)

func TestChatSession_Clone_DoesNotSharePointers(t *testing.T) {
	now := time.Now()
	orig := &ChatSession{
		ID:               "s1",
		AssignedAgentID:  StringPtr("a1"),
		PreviousAgentID:  StringPtr("a0"),
		LastReassignedAt: &now,
	}

	c := orig.Clone()
	*c.AssignedAgentID = "a2"
	*c.LastReassignedAt = now.Add(time.Hour)
	c.PreviousAgentID = nil

	if *orig.AssignedAgentID != "a1" {
		t.Fatalf("clone mutated original assignee: %s", *orig.AssignedAgentID)
	}
	if !orig.LastReassignedAt.Equal(now) {
		t.Fatalf("clone mutated original last_reassigned_at")
	}
	if orig.PreviousAgentID == nil {
		t.Fatalf("clone cleared original previous agent")
	}
}

func TestValidCloseReason(t *testing.T) {
	for _, r := range []string{"resolved", "user_abandoned", "admin_ended", "spam", "duplicate", "other"} {
		if !ValidCloseReason(r) {
			t.Errorf("expected %q to be valid", r)
		}
	}
	if ValidCloseReason("") || ValidCloseReason("bored") {
		t.Errorf("unexpected valid close reason")
	}
}

func TestStringPtr(t *testing.T) {
	if StringPtr("") != nil {
		t.Fatalf("empty string should map to nil")
	}
	if StringValue(StringPtr("x")) != "x" {
		t.Fatalf("round trip failed")
	}
	if StringValue(nil) != "" {
		t.Fatalf("nil should map to empty string")
	}
}
