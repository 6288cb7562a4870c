// Package connmgr implements the peer connection manager: admission,
// simultaneous-dial tie-breaking, and the event loop that drives outbound
// dials and inbound accepts to a shared peer registry.
package connmgr

import (
	"fmt"

	"github.com/postalsys/muti-metroo/internal/identity"
)

// DisconnectReason distinguishes why a peer left the registry.
type DisconnectReason int

const (
	// Requested means the session was replaced by a newer one (displacement)
	// or explicitly removed.
	Requested DisconnectReason = iota
	// LostConnection means a per-connection handler observed a transport-level
	// fault on its own session.
	LostConnection
)

// String returns the string representation of the reason.
func (r DisconnectReason) String() string {
	switch r {
	case Requested:
		return "requested"
	case LostConnection:
		return "lost_connection"
	default:
		return "unknown"
	}
}

// PeerEventKind distinguishes the two PeerEvent variants.
type PeerEventKind int

const (
	NewPeer PeerEventKind = iota
	LostPeer
)

// String returns the string representation of the kind.
func (k PeerEventKind) String() string {
	switch k {
	case NewPeer:
		return "new_peer"
	case LostPeer:
		return "lost_peer"
	default:
		return "unknown"
	}
}

// PeerEvent is emitted by the PeerRegistry whenever a peer enters or leaves.
// LostPeer events carry a Reason; NewPeer events leave it at its zero value.
type PeerEvent struct {
	Kind   PeerEventKind
	PeerID identity.PeerID
	Reason DisconnectReason
}

// String returns a human-readable representation, mainly for log lines.
func (e PeerEvent) String() string {
	if e.Kind == LostPeer {
		return fmt.Sprintf("LostPeer(%s, %s)", e.PeerID.ShortString(), e.Reason)
	}
	return fmt.Sprintf("NewPeer(%s)", e.PeerID.ShortString())
}

func newPeerEvent(p identity.PeerID) PeerEvent {
	return PeerEvent{Kind: NewPeer, PeerID: p}
}

func lostPeerEvent(p identity.PeerID, reason DisconnectReason) PeerEvent {
	return PeerEvent{Kind: LostPeer, PeerID: p, Reason: reason}
}
