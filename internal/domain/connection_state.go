package domain

import "time"

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
)

// ConnectionState is shared by the live channel, the messaging gateway and the print agent.
type ConnectionState struct {
	Status  ConnectionStatus `json:"status"`
	Since   time.Time        `json:"since"`
	Retries int              `json:"retries"`
}

func NewConnectionState(now time.Time) ConnectionState {
	return ConnectionState{Status: ConnectionDisconnected, Since: now}
}

// Transition moves to status. Since only changes when the status does.
func (c ConnectionState) Transition(status ConnectionStatus, now time.Time) ConnectionState {
	if c.Status == status && !c.Since.IsZero() {
		return c
	}
	c.Status = status
	c.Since = now
	return c
}

func (c ConnectionState) WithRetries(retries int) ConnectionState {
	c.Retries = retries
	return c
}

func (c ConnectionState) IsConnected() bool {
	return c.Status == ConnectionConnected
}

// TwoState projects onto connected/disconnected for peers without a
// distinct handshake phase, such as the local print agent.
func (c ConnectionState) TwoState() ConnectionState {
	if c.Status == ConnectionConnecting {
		c.Status = ConnectionDisconnected
	}
	return c
}
