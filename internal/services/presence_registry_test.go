package services

import (
	"context"
	"testing"
	"time"

	"chatassign/internal/models"

	"github.com/benbjohnson/clock"
)

type recordingBus struct {
	events []PresenceEvent
}

func (b *recordingBus) Publish(ctx context.Context, evt PresenceEvent) error {
	b.events = append(b.events, evt)
	return nil
}
func (b *recordingBus) Subscribe(ctx context.Context) (<-chan PresenceEvent, error) {
	return nil, nil
}
func (b *recordingBus) Close() error { return nil }

func TestPresenceRegistry_OnlineOfflineIdempotent(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	bus := &recordingBus{}
	r := NewPresenceRegistry(mock, newTestLogger())
	r.SetBus(bus)

	if !r.SetOnline(ctx, "a1") {
		t.Fatalf("first SetOnline should transition")
	}
	if r.SetOnline(ctx, "a1") {
		t.Fatalf("second SetOnline should not transition")
	}
	if !r.SetOffline(ctx, "a1") {
		t.Fatalf("SetOffline should transition")
	}
	if r.SetOffline(ctx, "a1") || r.SetOffline(ctx, "unknown") {
		t.Fatalf("SetOffline should be idempotent")
	}

	if len(bus.events) != 2 {
		t.Fatalf("expected 2 transition events, got %d", len(bus.events))
	}
	if !bus.events[0].Online || bus.events[1].Online {
		t.Fatalf("unexpected event order: %+v", bus.events)
	}
}

func TestPresenceRegistry_IncrementClampsAtZero(t *testing.T) {
	r := NewPresenceRegistry(clock.NewMock(), newTestLogger())
	r.SetOnline(context.Background(), "a1")

	r.IncrementActiveChats("a1", 2)
	r.IncrementActiveChats("a1", -5)

	p, _ := r.Get("a1")
	if p.ActiveChatCount != 0 {
		t.Fatalf("expected clamp to 0, got %d", p.ActiveChatCount)
	}

	// 未知客服的负载调整会建立离线记录
	r.IncrementActiveChats("ghost", 1)
	g, ok := r.Get("ghost")
	if !ok || g.IsOnline || g.ActiveChatCount != 1 {
		t.Fatalf("unexpected ghost presence: %+v ok=%v", g, ok)
	}
}

func TestPresenceRegistry_SnapshotIsCopy(t *testing.T) {
	r := NewPresenceRegistry(clock.NewMock(), newTestLogger())
	r.SetOnline(context.Background(), "b")
	r.SetOnline(context.Background(), "a")

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].AgentID != "a" || snap[1].AgentID != "b" {
		t.Fatalf("expected sorted snapshot, got %+v", snap)
	}
	snap[0].ActiveChatCount = 42
	snap[0].IsOnline = false

	p, _ := r.Get("a")
	if p.ActiveChatCount != 0 || !p.IsOnline {
		t.Fatalf("snapshot mutation leaked into registry: %+v", p)
	}
}

func TestPresenceRegistry_SweepInactive(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	r := NewPresenceRegistry(mock, newTestLogger())

	r.SetOnline(ctx, "stale")
	mock.Add(90 * time.Second)
	r.Heartbeat(ctx, "fresh")
	mock.Add(40 * time.Second)

	offline := r.SweepInactive(ctx, 120*time.Second)
	if len(offline) != 1 || offline[0] != "stale" {
		t.Fatalf("expected only stale agent swept, got %v", offline)
	}
	if p, _ := r.Get("fresh"); !p.IsOnline {
		t.Fatalf("fresh agent should stay online")
	}
}

type memPresenceStore struct {
	saved map[string]models.AgentPresence
}

func (s *memPresenceStore) SavePresence(ctx context.Context, p *models.AgentPresence) error {
	if s.saved == nil {
		s.saved = make(map[string]models.AgentPresence)
	}
	s.saved[p.AgentID] = *p
	return nil
}

func TestPresenceRegistry_PersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := &memPresenceStore{}
	r := NewPresenceRegistry(clock.NewMock(), newTestLogger())
	r.SetStore(store)

	r.SetOnline(ctx, "a1")
	if err := r.SetPriority(ctx, "a1", 7); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if err := r.SetPriority(ctx, "missing", 1); err != ErrAgentNotFound {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if got := store.saved["a1"]; !got.IsOnline || got.Priority != 7 {
		t.Fatalf("unexpected persisted presence: %+v", got)
	}

	restored := NewPresenceRegistry(clock.NewMock(), newTestLogger())
	restored.Restore([]models.AgentPresence{store.saved["a1"]})
	if p, ok := restored.Get("a1"); !ok || p.Priority != 7 {
		t.Fatalf("restore lost presence: %+v", p)
	}
}

func TestPresenceRegistry_SweeperUsesTicker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mock := clock.NewMock()
	r := NewPresenceRegistry(mock, newTestLogger())
	r.SetOnline(ctx, "a1")

	s := testSettings()
	s.AgentInactivityTimeout = 60 * time.Second
	r.StartInactivitySweeper(ctx, StaticSettingsProvider{Settings: s}, 30*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mock.Add(30 * time.Second)
		if p, _ := r.Get("a1"); !p.IsOnline {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sweeper never marked agent offline")
}
