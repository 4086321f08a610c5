// Package renderer tracks and drives the playback state of one DLNA media
// renderer. A poll loop holds the authoritative view; commands apply
// optimistic updates that the next poll confirms or overwrites.
package renderer

import (
	"sync"
	"time"

	"github.com/alex/dmrctl/internal/domain"
)

const defaultMaxPollFailures = 3

// StateMachine holds the observed state of a single renderer. All methods
// are safe for concurrent use.
//
// Two views exist: the published snapshot, which commands may touch
// optimistically, and the authoritative snapshot written only by polls.
// A poll replaces both wholesale; optimistic values never survive one.
type StateMachine struct {
	mu            sync.Mutex
	snapshot      domain.Snapshot
	authoritative domain.Snapshot
	failures      int
	maxFailures   int
}

func NewStateMachine() *StateMachine {
	initial := domain.Snapshot{State: domain.StateUnknown}
	return &StateMachine{
		snapshot:      initial,
		authoritative: initial,
		maxFailures:   defaultMaxPollFailures,
	}
}

// ApplyPoll records a successful poll. The whole snapshot is replaced and
// the failure streak resets.
func (sm *StateMachine) ApplyPoll(snap domain.Snapshot) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.snapshot = snap
	sm.authoritative = snap
	sm.failures = 0
}

// ApplyPollFailure records a failed poll. After maxFailures consecutive
// failures the renderer is reported as unknown until a poll succeeds again.
// Returns the current streak length.
func (sm *StateMachine) ApplyPollFailure(observedAt time.Time) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.failures++
	if sm.failures >= sm.maxFailures {
		unknown := domain.Snapshot{State: domain.StateUnknown, ObservedAt: observedAt}
		sm.snapshot = unknown
		sm.authoritative = unknown
	}
	return sm.failures
}

// ApplyOptimistic provisionally moves the published state after a command
// was accepted by the device. The authoritative view is untouched.
func (sm *StateMachine) ApplyOptimistic(state domain.TransportState, observedAt time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.snapshot.State = state
	sm.snapshot.ObservedAt = observedAt
}

// RevertOptimistic rolls the published state back to the last authoritative
// poll, for commands that ultimately failed.
func (sm *StateMachine) RevertOptimistic() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.snapshot = sm.authoritative
}

// ApplyEvent folds a renderer-initiated notification into the published
// snapshot. Events are advisory: they do not touch the authoritative view
// or the failure streak, and the next poll wins.
func (sm *StateMachine) ApplyEvent(state domain.TransportState, volume *int, muted *bool, observedAt time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if state != "" {
		sm.snapshot.State = state
	}
	if volume != nil {
		sm.snapshot.Volume = *volume
	}
	if muted != nil {
		sm.snapshot.Muted = *muted
	}
	sm.snapshot.ObservedAt = observedAt
}

// SetOptimisticVolume provisionally records a volume change.
func (sm *StateMachine) SetOptimisticVolume(level int, observedAt time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.snapshot.Volume = level
	sm.snapshot.ObservedAt = observedAt
}

// SetOptimisticMute provisionally records a mute change.
func (sm *StateMachine) SetOptimisticMute(muted bool, observedAt time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.snapshot.Muted = muted
	sm.snapshot.ObservedAt = observedAt
}

// Snapshot returns a copy of the published state.
func (sm *StateMachine) Snapshot() domain.Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshot
}
