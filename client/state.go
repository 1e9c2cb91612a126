package client

// State is the position of the interactive session in its menu flow.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateLoggingIn
	StateRegistering
	StateSending
	StateReceiving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaiting:
		return "Waiting"
	case StateLoggingIn:
		return "LoggingIn"
	case StateRegistering:
		return "Registering"
	case StateSending:
		return "Sending"
	case StateReceiving:
		return "Receiving"
	default:
		return "Unknown"
	}
}
