package connmgr

import (
	"github.com/postalsys/muti-metroo/internal/identity"
	"github.com/postalsys/muti-metroo/internal/peer"
)

// ShouldReplaceExisting decides whether a newly admitted connection should
// displace the one already held for the same peer. It is pure: given the
// same four arguments it always returns the same answer, and it never reads
// or writes any shared state, so both sides of a simultaneous dial can
// evaluate it independently and converge on the same surviving session.
//
//	existing   new        replace?
//	Inbound    Inbound    yes (older inbound drops)
//	Outbound   Outbound   yes (older outbound drops)
//	Inbound    Outbound   yes iff remote < own
//	Outbound   Inbound    yes iff own < remote
//
// The cross cases rely on "the greater PeerId is the dialer wins" so both
// ends of a race land on the same answer without negotiating.
func ShouldReplaceExisting(own, remote identity.PeerID, existingOrigin, newOrigin peer.Origin) bool {
	if existingOrigin == newOrigin {
		return true
	}
	if existingOrigin == peer.Inbound && newOrigin == peer.Outbound {
		return remote.Less(own)
	}
	// existingOrigin == peer.Outbound && newOrigin == peer.Inbound
	return own.Less(remote)
}
