package realtime

// State of the realtime connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Machine is the connection state plus the consecutive failed attempts. Its
// methods are pure: they return the next machine and never touch I/O.
type Machine struct {
	State   State
	Attempt int
}

// Connect starts a dial. Only an idle or waiting machine may dial.
func (m Machine) Connect() (Machine, bool) {
	switch m.State {
	case Disconnected, Reconnecting:
		return Machine{State: Connecting, Attempt: m.Attempt}, true
	}
	return m, false
}

// Opened records a successful connection and resets the attempt counter.
func (m Machine) Opened() Machine {
	return Machine{State: Connected}
}

// Closed records a dropped connection or a failed dial. When still
// authenticated the machine waits to reconnect and counts the attempt.
func (m Machine) Closed(authenticated bool) (Machine, bool) {
	if !authenticated {
		return Machine{State: Disconnected}, false
	}
	return Machine{State: Reconnecting, Attempt: m.Attempt + 1}, true
}

// Stopped is the result of logout or teardown.
func (m Machine) Stopped() Machine {
	return Machine{State: Disconnected}
}
