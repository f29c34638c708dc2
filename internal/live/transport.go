package live

import (
	"context"

	"evnotify/internal/chat"
	"evnotify/internal/identity"
)

// TransportState is what a transport reports about itself.
type TransportState int

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
	TransportReconnecting
)

func (s TransportState) String() string {
	switch s {
	case TransportDisconnected:
		return "disconnected"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Handlers receive transport lifecycle callbacks. They may be invoked from
// any goroutine and must not be called after Stop returns.
type Handlers struct {
	OnMessage      func(frame []byte)
	OnReconnecting func(err error)
	OnReconnected  func()
	// OnClosed reports a permanent close after automatic reconnection gave up.
	OnClosed func(err error)
}

// Transport is one live connection to the notification hub.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() TransportState
}

// Dialer builds a transport scoped to one identity. It must not perform I/O.
type Dialer func(id identity.Identity, h Handlers) (Transport, error)

// HistorySource lists the user's chat threads.
type HistorySource interface {
	GetThreadsByUserID(ctx context.Context, userID, token string) ([]chat.Record, error)
}
