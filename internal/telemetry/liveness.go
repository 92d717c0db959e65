package telemetry

import "time"

// Status payloads published on the sensor's last-will topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// LivenessSource records which signal caused the last liveness transition.
type LivenessSource string

const (
	SourceNone   LivenessSource = "none"
	SourceStatus LivenessSource = "status"
	SourceData   LivenessSource = "data"
)

// LivenessState is the sensor-side health as last observed.
type LivenessState struct {
	Online    bool           `json:"online"`
	Source    LivenessSource `json:"source"`
	ChangedAt time.Time      `json:"changed_at"`
}

// Liveness tracks whether the sensor is online. It is not safe for
// concurrent use; Core serializes access.
type Liveness struct {
	state LivenessState
}

// NewLiveness returns a tracker in the Offline state.
func NewLiveness() *Liveness {
	return &Liveness{state: LivenessState{Source: SourceNone}}
}

// OnStatusMessage applies a status-channel payload. Unknown payloads are
// ignored and reported as not applied.
func (l *Liveness) OnStatusMessage(payload string, at time.Time) bool {
	switch payload {
	case StatusOnline:
		l.set(true, SourceStatus, at)
	case StatusOffline:
		l.set(false, SourceStatus, at)
	default:
		return false
	}
	return true
}

// MarkDataSeen forces the sensor Online. Fresh data outranks any status
// message, including a stale or reordered "offline".
func (l *Liveness) MarkDataSeen(at time.Time) {
	l.set(true, SourceData, at)
}

// State returns the current liveness.
func (l *Liveness) State() LivenessState {
	return l.state
}

func (l *Liveness) set(online bool, src LivenessSource, at time.Time) {
	l.state = LivenessState{Online: online, Source: src, ChangedAt: at}
}
