package client

// ConnectionState is the lifecycle state of the presence channel.
type ConnectionState int

const (
	StateOffline ConnectionState = iota
	StateConnecting
	StateOnline
	// StateDegraded means the channel is open but a send failed.
	StateDegraded
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Open reports whether frames flow in this state.
func (s ConnectionState) Open() bool {
	return s == StateOnline || s == StateDegraded
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
