package domain

import (
	"strings"
	"time"
)

// TransportState is the normalized playback state of a renderer.
type TransportState string

const (
	StateNoMedia       TransportState = "NO_MEDIA"
	StateStopped       TransportState = "STOPPED"
	StatePlaying       TransportState = "PLAYING"
	StatePaused        TransportState = "PAUSED"
	StateTransitioning TransportState = "TRANSITIONING"
	StateUnknown       TransportState = "UNKNOWN"
)

// ParseTransportState maps a device-reported AVTransport CurrentTransportState
// value onto the normalized state set. Unrecognized values map to StateUnknown.
func ParseTransportState(raw string) TransportState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NO_MEDIA_PRESENT":
		return StateNoMedia
	case "STOPPED":
		return StateStopped
	case "PLAYING":
		return StatePlaying
	case "PAUSED_PLAYBACK", "PAUSED_RECORDING":
		return StatePaused
	case "TRANSITIONING":
		return StateTransitioning
	default:
		return StateUnknown
	}
}

// PositionInfo is the playback position reported by GetPositionInfo.
type PositionInfo struct {
	TrackDuration time.Duration
	RelTime       time.Duration
	TrackURI      string
	TrackMetadata string
}

// Snapshot is one fully-populated observation of a renderer. Snapshots are
// replaced wholesale on every successful poll; fields are never merged across
// polls.
type Snapshot struct {
	State      TransportState
	Position   PositionInfo
	Volume     int
	Muted      bool
	ObservedAt time.Time
}
