package pty

// CloseReason says why a session ended.
type CloseReason string

const (
	ReasonClient   CloseReason = "client"   // explicit close request
	ReasonExited   CloseReason = "exited"   // the shell exited on its own
	ReasonIdle     CloseReason = "idle"     // detached longer than the idle TTL
	ReasonDead     CloseReason = "dead"     // found dead during lookup or sweep
	ReasonShutdown CloseReason = "shutdown" // manager shutdown
)

// Observer receives session lifecycle notifications. Calls are made outside
// every session and registry lock. exitCode is -1 when unknown.
type Observer interface {
	SessionCreated(info SessionInfo)
	SessionClosed(info SessionInfo, reason CloseReason, exitCode int)
}

// Observers fans notifications out to each element in order.
type Observers []Observer

func (o Observers) SessionCreated(info SessionInfo) {
	for _, obs := range o {
		obs.SessionCreated(info)
	}
}

func (o Observers) SessionClosed(info SessionInfo, reason CloseReason, exitCode int) {
	for _, obs := range o {
		obs.SessionClosed(info, reason, exitCode)
	}
}
