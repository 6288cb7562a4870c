package connmgr

import (
	"context"

	"github.com/postalsys/muti-metroo/internal/identity"
	"github.com/postalsys/muti-metroo/internal/peer"
)

// Connecting is a handle to an in-flight handshake, however it was started
// (outbound dial or inbound accept). Handshake blocks until the handshake
// resolves or ctx is cancelled.
type Connecting interface {
	Handshake(ctx context.Context) (*peer.Connection, error)
}

// Endpoint is the local identity plus whatever is needed to originate an
// outbound connection. internal/transport's per-protocol transports, paired
// with internal/peer's Handshaker, are the concrete implementation the CLI
// wires up; ConnectionManager only ever sees this interface.
type Endpoint interface {
	PeerID() identity.PeerID
	Connect(ctx context.Context, addr string) (Connecting, error)
}

// Incoming is a lazy, finite-or-infinite sequence of inbound Connecting
// handles, backed by a transport.Listener's Accept loop. Accept returns an
// error (and no further calls should be made) once the listener is closed.
type Incoming interface {
	Accept(ctx context.Context) (Connecting, error)
}

// HandlerFactory spawns the per-connection request handler for a
// freshly admitted connection. Implementations are expected to run the
// handler on its own goroutine and return immediately.
type HandlerFactory func(conn *peer.Connection, registry *PeerRegistry)
