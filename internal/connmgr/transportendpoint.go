package connmgr

import (
	"context"
	"fmt"

	"github.com/postalsys/muti-metroo/internal/identity"
	"github.com/postalsys/muti-metroo/internal/peer"
	"github.com/postalsys/muti-metroo/internal/transport"
)

// TransportEndpoint is the concrete Endpoint backing a ConnectionManager:
// identity plus a transport.Transport used to originate outbound dials. The
// transport-level Dial (can fail fast on a refused/unreachable address) is
// done synchronously in Connect; the protocol handshake that follows runs
// on the handshake task's own goroutine when Handshake is invoked.
type TransportEndpoint struct {
	localID    identity.PeerID
	tr         transport.Transport
	handshaker *peer.Handshaker
	dialOpts   transport.DialOptions
	connCfg    peer.ConnectionConfig
}

// NewTransportEndpoint builds an Endpoint around a single transport.
func NewTransportEndpoint(localID identity.PeerID, tr transport.Transport, handshaker *peer.Handshaker, dialOpts transport.DialOptions, connCfg peer.ConnectionConfig) *TransportEndpoint {
	return &TransportEndpoint{
		localID:    localID,
		tr:         tr,
		handshaker: handshaker,
		dialOpts:   dialOpts,
		connCfg:    connCfg,
	}
}

// PeerID returns the local identity used to evaluate self-dials and
// tie-breaking.
func (e *TransportEndpoint) PeerID() identity.PeerID {
	return e.localID
}

// Connect dials addr over the endpoint's transport. A failure here means
// the remote never accepted a transport-level connection, so no handshake
// was ever attempted.
func (e *TransportEndpoint) Connect(ctx context.Context, addr string) (Connecting, error) {
	peerConn, err := e.tr.Dial(ctx, addr, e.dialOpts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &pendingHandshake{
		handshaker: e.handshaker,
		peerConn:   peerConn,
		cfg:        e.connCfg,
	}, nil
}

// ListenerIncoming adapts a transport.Listener into the connmgr.Incoming
// contract, surfacing every accepted connection as a Connecting handle
// whose handshake the ConnectionManager drives the same way it drives
// outbound dials.
type ListenerIncoming struct {
	listener   transport.Listener
	handshaker *peer.Handshaker
	cfg        peer.ConnectionConfig
}

// NewListenerIncoming wraps an already-bound listener.
func NewListenerIncoming(listener transport.Listener, handshaker *peer.Handshaker, cfg peer.ConnectionConfig) *ListenerIncoming {
	return &ListenerIncoming{listener: listener, handshaker: handshaker, cfg: cfg}
}

// Accept blocks for the listener's next inbound transport-level connection.
func (li *ListenerIncoming) Accept(ctx context.Context) (Connecting, error) {
	peerConn, err := li.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &pendingHandshake{
		handshaker: li.handshaker,
		peerConn:   peerConn,
		cfg:        li.cfg,
	}, nil
}

// pendingHandshake is the Connecting handle shared by outbound dials and
// inbound accepts: a transport-level connection that has not yet exchanged
// PEER_HELLO frames.
type pendingHandshake struct {
	handshaker *peer.Handshaker
	peerConn   transport.PeerConn
	cfg        peer.ConnectionConfig
}

// Handshake performs the protocol-level handshake over the already-dialed
// or already-accepted transport connection. A failure here is a handshake
// failure, distinct from the dial error a failed Connect/Accept would have
// produced.
func (p *pendingHandshake) Handshake(ctx context.Context) (*peer.Connection, error) {
	conn := peer.NewConnection(p.peerConn, p.cfg)
	if _, err := p.handshaker.PerformHandshake(ctx, conn, p.cfg.ExpectedPeerID); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
