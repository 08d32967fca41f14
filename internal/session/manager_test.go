package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("p1", "agent-7", true)
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ParticipantID != "p1" || got.AgentID != "agent-7" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if !got.VisionEnabled {
		t.Fatalf("VisionEnabled = false, want true")
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after End error = %v, want ErrNotFound", err)
	}
}

func TestManagerInterruptClearsTurn(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("p1", "agent-7", false)
	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.Interrupt(s.ID); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveTurnID != "" {
		t.Fatalf("ActiveTurnID = %q, want empty", got.ActiveTurnID)
	}
	if got.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", got.InterruptionCount)
	}
}

func TestManagerMarkSpokenOnce(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("p1", "agent-7", false)

	first, err := m.MarkSpoken(s.ID)
	if err != nil {
		t.Fatalf("MarkSpoken() error = %v", err)
	}
	if !first {
		t.Fatalf("first MarkSpoken() = false, want true")
	}
	again, err := m.MarkSpoken(s.ID)
	if err != nil {
		t.Fatalf("MarkSpoken() error = %v", err)
	}
	if again {
		t.Fatalf("second MarkSpoken() = true, want false")
	}
}

func TestManagerCreditAccumulator(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("p1", "agent-7", false)

	if total, _ := m.AddCreditsSpent(s.ID, 2); total != 2 {
		t.Fatalf("CreditsSpent = %d, want 2", total)
	}
	if total, _ := m.AddCreditsSpent(s.ID, 3); total != 5 {
		t.Fatalf("CreditsSpent = %d, want 5", total)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("p1", "agent-7", false)

	expired := make(chan *Session, 1)
	m.SetExpireHook(func(s *Session) { expired <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case got := <-expired:
		if got.ID != s.ID || got.Status != StatusEnded {
			t.Fatalf("expired session = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire the inactive session")
	}
}
