package capture

import "fmt"

// State is the controller's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateAcquiringPrimary
	StateAcquiringSecondary
	StateConnecting
	StateStarting
	StateStreaming
	StateStopping
	StateError
)

var stateNames = map[State]string{
	StateIdle:               "idle",
	StateAcquiringPrimary:   "acquiring-primary",
	StateAcquiringSecondary: "acquiring-secondary",
	StateConnecting:         "connecting",
	StateStarting:           "starting",
	StateStreaming:          "streaming",
	StateStopping:           "stopping",
	StateError:              "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Step is the short progress label shown to the user for each state.
func (s State) Step() string {
	switch s {
	case StateAcquiringPrimary:
		return "mic"
	case StateAcquiringSecondary:
		return "display"
	case StateConnecting:
		return "websocket"
	case StateStarting:
		return "audio-start"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// busy reports whether a session owns resources in this state.
func (s State) busy() bool {
	return s != StateIdle && s != StateError
}

// SourceMode is how many devices a session captures from.
type SourceMode string

const (
	SingleSource SourceMode = "single-source"
	DualSource   SourceMode = "dual-source"
)
