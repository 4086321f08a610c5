package renderer

import (
	"testing"
	"time"

	"github.com/alex/dmrctl/internal/domain"
)

func TestPollOverwritesOptimisticState(t *testing.T) {
	sm := NewStateMachine()
	now := time.Now()

	sm.ApplyOptimistic(domain.StatePlaying, now)
	if sm.Snapshot().State != domain.StatePlaying {
		t.Fatalf("optimistic state not published")
	}

	sm.ApplyPoll(domain.Snapshot{State: domain.StateStopped, ObservedAt: now})
	if got := sm.Snapshot().State; got != domain.StateStopped {
		t.Errorf("state after poll = %q, want %q", got, domain.StateStopped)
	}
}

func TestRevertRestoresLastPoll(t *testing.T) {
	sm := NewStateMachine()
	now := time.Now()

	sm.ApplyPoll(domain.Snapshot{State: domain.StatePaused, Volume: 12, ObservedAt: now})
	sm.ApplyOptimistic(domain.StatePlaying, now)
	sm.RevertOptimistic()

	snap := sm.Snapshot()
	if snap.State != domain.StatePaused {
		t.Errorf("state = %q, want %q", snap.State, domain.StatePaused)
	}
	if snap.Volume != 12 {
		t.Errorf("volume = %d, want 12", snap.Volume)
	}
}

func TestConsecutiveFailuresReachUnknown(t *testing.T) {
	sm := NewStateMachine()
	now := time.Now()
	sm.ApplyPoll(domain.Snapshot{State: domain.StatePlaying, ObservedAt: now})

	sm.ApplyPollFailure(now)
	sm.ApplyPollFailure(now)
	if got := sm.Snapshot().State; got != domain.StatePlaying {
		t.Fatalf("state after 2 failures = %q, want last known %q", got, domain.StatePlaying)
	}

	sm.ApplyPollFailure(now)
	if got := sm.Snapshot().State; got != domain.StateUnknown {
		t.Fatalf("state after 3 failures = %q, want %q", got, domain.StateUnknown)
	}

	// One good poll resets the streak and the state.
	sm.ApplyPoll(domain.Snapshot{State: domain.StateStopped, ObservedAt: now})
	if got := sm.Snapshot().State; got != domain.StateStopped {
		t.Errorf("state after recovery = %q, want %q", got, domain.StateStopped)
	}
	if streak := sm.ApplyPollFailure(now); streak != 1 {
		t.Errorf("streak after recovery = %d, want 1", streak)
	}
}

func TestEventIsAdvisory(t *testing.T) {
	sm := NewStateMachine()
	now := time.Now()
	sm.ApplyPoll(domain.Snapshot{State: domain.StateStopped, Volume: 10, ObservedAt: now})

	volume := 35
	muted := true
	sm.ApplyEvent(domain.StatePlaying, &volume, &muted, now)

	snap := sm.Snapshot()
	if snap.State != domain.StatePlaying || snap.Volume != 35 || !snap.Muted {
		t.Fatalf("event not folded in: %+v", snap)
	}

	// The next poll wins over whatever the event claimed.
	sm.ApplyPoll(domain.Snapshot{State: domain.StateStopped, Volume: 10, ObservedAt: now})
	snap = sm.Snapshot()
	if snap.State != domain.StateStopped || snap.Volume != 10 || snap.Muted {
		t.Errorf("poll did not overwrite event: %+v", snap)
	}
}

func TestEventWithoutStateKeepsCurrent(t *testing.T) {
	sm := NewStateMachine()
	now := time.Now()
	sm.ApplyPoll(domain.Snapshot{State: domain.StatePlaying, ObservedAt: now})

	volume := 5
	sm.ApplyEvent("", &volume, nil, now)

	snap := sm.Snapshot()
	if snap.State != domain.StatePlaying {
		t.Errorf("state = %q, want unchanged %q", snap.State, domain.StatePlaying)
	}
	if snap.Volume != 5 {
		t.Errorf("volume = %d, want 5", snap.Volume)
	}
}
