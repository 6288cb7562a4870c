package connmgr

import (
	"log/slog"
	"sync"

	"github.com/postalsys/muti-metroo/internal/identity"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/peer"
)

// eventSubBuffer is the per-subscriber channel capacity. A subscriber that
// falls behind misses events rather than blocking the registry's writer.
const eventSubBuffer = 32

// NewConnection is a freshly completed handshake, consumed exactly once by
// Admit: either it is returned to the caller to spawn a request handler, or
// it is closed and discarded.
type NewConnection struct {
	Connection *peer.Connection
}

// PeerRegistry is the shared, concurrent-access store mapping peer
// identities to their single live connection. All mutation goes through
// Admit/Remove/RemoveIfStableID, which hold the write lock for the whole
// decide-and-mutate-and-emit sequence so that events observed through
// Subscribe are never reordered relative to the state readers see through
// Get/Peers.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[identity.PeerID]*peer.Connection
	subs  map[chan PeerEvent]struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry(logger *slog.Logger, m *metrics.Metrics) *PeerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &PeerRegistry{
		peers:   make(map[identity.PeerID]*peer.Connection),
		subs:    make(map[chan PeerEvent]struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Peers returns a snapshot of currently admitted peer ids. Callers must not
// assume the set is still current by the time it is used.
func (r *PeerRegistry) Peers() []identity.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]identity.PeerID, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Get returns the currently held connection for a peer, if any.
func (r *PeerRegistry) Get(peerID identity.PeerID) (*peer.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.peers[peerID]
	return c, ok
}

// Subscribe returns a channel of future PeerEvents together with a snapshot
// of the peers admitted as of the moment the subscription was registered.
// No event delivered on the channel predates that snapshot, and the
// snapshot never reflects a mutation the subscriber also observes as an
// event.
func (r *PeerRegistry) Subscribe() (<-chan PeerEvent, []identity.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan PeerEvent, eventSubBuffer)
	r.subs[ch] = struct{}{}

	snapshot := make([]identity.PeerID, 0, len(r.peers))
	for p := range r.peers {
		snapshot = append(snapshot, p)
	}
	return ch, snapshot
}

// Unsubscribe stops delivery to a channel previously returned by Subscribe.
func (r *PeerRegistry) Unsubscribe(ch <-chan PeerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.subs {
		if sub == ch {
			delete(r.subs, sub)
			close(sub)
			return
		}
	}
}

// emit must be called with the write lock held, so event order on every
// subscriber channel matches mutation order.
func (r *PeerRegistry) emit(ev PeerEvent) {
	for sub := range r.subs {
		select {
		case sub <- ev:
		default:
			r.logger.Warn("dropping peer event for slow subscriber", "event", ev.String())
		}
	}
}

// Admit runs the admission protocol for a freshly handshaked connection: a
// self-dial or a tie-breaking loss closes the new connection and returns
// (nil, false); otherwise the connection (possibly displacing a prior one)
// is installed and returned for the caller to spawn a request handler for.
func (r *PeerRegistry) Admit(ownPeerID identity.PeerID, nc *NewConnection) (*peer.Connection, bool) {
	newConn := nc.Connection
	p := newConn.RemoteID

	if p == ownPeerID {
		newConn.Close()
		r.logger.Debug("rejecting self-dial", "peer_id", p.ShortString())
		return nil, false
	}

	r.mu.Lock()

	existing, ok := r.peers[p]
	if !ok {
		r.peers[p] = newConn
		r.emit(newPeerEvent(p))
		r.mu.Unlock()
		r.metrics.RecordPeerConnect(string(newConn.TransportType()), newConn.Origin().String())
		return newConn, true
	}

	if !ShouldReplaceExisting(ownPeerID, p, existing.Origin(), newConn.Origin()) {
		r.mu.Unlock()
		newConn.Close()
		r.metrics.RecordTieBreakDrop(newConn.Origin().String())
		return nil, false
	}

	r.peers[p] = newConn
	r.emit(lostPeerEvent(p, Requested))
	r.emit(newPeerEvent(p))
	r.mu.Unlock()

	existing.Close()
	r.metrics.RecordPeerDisconnect(Requested.String())
	r.metrics.RecordPeerConnect(string(newConn.TransportType()), newConn.Origin().String())
	return newConn, true
}

// Remove unconditionally removes a peer's connection, closing it and
// emitting LostPeer. No-op if the peer is absent.
func (r *PeerRegistry) Remove(peerID identity.PeerID, reason DisconnectReason) {
	r.mu.Lock()
	existing, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)
	r.emit(lostPeerEvent(peerID, reason))
	r.mu.Unlock()

	existing.Close()
	r.metrics.RecordPeerDisconnect(reason.String())
}

// RemoveIfStableID removes the peer's connection only if it is still the
// specific session identified by stableID. A per-connection handler that
// observed a fault on its own session calls this instead of Remove so it
// never tears down a successor session that has since displaced it.
func (r *PeerRegistry) RemoveIfStableID(peerID identity.PeerID, stableID uint64, reason DisconnectReason) {
	r.mu.Lock()
	existing, ok := r.peers[peerID]
	if !ok || existing.StableID() != stableID {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)
	r.emit(lostPeerEvent(peerID, reason))
	r.mu.Unlock()

	existing.Close()
	r.metrics.RecordPeerDisconnect(reason.String())
}
