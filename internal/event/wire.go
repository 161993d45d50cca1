package event

// Reserved control message types on the live channel. Anything whose "type"
// field is not in this set is decoded as an interaction event.
const (
	ControlConnectionEstablished = "connection_established"
	ControlTaskStarted           = "task_started"
	ControlRegisterForTask       = "register_for_task"
	ControlSetMode               = "set_mode"
)

// Literal heartbeat frames exchanged on both channels.
const (
	PingText = "ping"
	PongText = "pong"
)

// Mode is a connection's viewing mode. A connection in historical mode
// receives no relay traffic.
type Mode string

const (
	ModeRealtime   Mode = "realtime"
	ModeHistorical Mode = "historical"
)

// Control is the envelope for non-event messages on the live channel, in
// both directions.
type Control struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Mode   Mode   `json:"mode,omitempty"`
}

// IsControlType reports whether a wire "type" value belongs to the reserved
// control set rather than to the interaction event enum.
func IsControlType(t string) bool {
	switch t {
	case ControlConnectionEstablished, ControlTaskStarted, ControlRegisterForTask, ControlSetMode:
		return true
	}
	return false
}
