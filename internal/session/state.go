package session

// State is the session client's position in its lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// open reports whether the state implies a live channel.
func (s State) open() bool {
	return s == Connected || s == Authenticated
}
