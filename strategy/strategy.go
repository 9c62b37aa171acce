// Package strategy implements the policy object that decides whom to
// request blocks from, what to request, and when to announce interest
// or broadcast completed pieces (spec.md §4.6). It is deliberately
// decoupled from the torrent controller's own state so that a
// different policy can be substituted without touching PieceStore or
// PeerSession.
package strategy

import (
	"net"
	"strconv"

	"github.com/arashkasraei/gotorrent/peerwire"
	"github.com/arashkasraei/gotorrent/piecestore"
	"github.com/arashkasraei/gotorrent/tracker"
	"github.com/arashkasraei/gotorrent/wire"
)

// Environment is everything a Strategy needs on a tick, assembled by
// the torrent controller each time it is invoked. Peers holds every
// session regardless of state; a Strategy is expected to skip
// non-Active ones itself.
type Environment struct {
	Store           *piecestore.Store
	Peers           []*peerwire.Session
	MaxPipeline     int
	BlockSize       int
	MaxRequestBytes int
	MaxPeers        int
	LocalAddr       string

	// Connect opens a new outbound connection to addr and performs the
	// handshake/bitfield handoff; supplied by the controller.
	Connect func(addr tracker.PeerAddr) error
}

// Strategy is the policy interface subscribed to loop ticks and to
// torrent-level events.
type Strategy interface {
	Tick(env *Environment)
	OnHaveCompletePiece(env *Environment, index int)
	OnTrackerResponse(env *Environment, peers []tracker.PeerAddr)
}

// RandomPieceStrategy is the baseline leech policy named in spec.md
// §4.6: rarest-first piece selection (deterministic tie-break on
// smallest index), MAX_PIPELINE-bounded request dispatch, and a
// 50-peer connection ceiling.
type RandomPieceStrategy struct{}

var _ Strategy = RandomPieceStrategy{}

// Tick implements the interest/request dispatch described in spec.md
// §4.6 step 1-2.
func (RandomPieceStrategy) Tick(env *Environment) {
	updateInterest(env)
	dispatchRequests(env)
}

func updateInterest(env *Environment) {
	for _, peer := range env.Peers {
		if peer.State != peerwire.Active {
			continue
		}
		wantsAny := peerWantsAnything(env.Store, peer)
		switch {
		case wantsAny && !peer.AmInterested:
			peer.Enqueue(wire.InterestedMessage())
		case !wantsAny && peer.AmInterested:
			peer.Enqueue(wire.NotInterestedMessage())
		}
	}
}

// dispatchRequests fills each unchoked peer's pipeline up to
// MaxPipeline. A locally-tracked in-flight set (seeded from requests
// already sent, then grown as this tick enqueues more) is used instead
// of the peer's OutstandingCount, since a request only joins
// outstanding_requests once its bytes are fully written (spec.md
// §4.4) — without it this loop would keep re-selecting the same
// not-yet-sent block.
func dispatchRequests(env *Environment) {
	for _, peer := range env.Peers {
		if peer.State != peerwire.Active || peer.ChokingMe {
			continue
		}
		pending := peer.OutstandingCount() + len(peer.PendingRequests())
		inFlightByPiece := make(map[int]map[int64]int64)
		fullyCovered := make(map[int]bool)

		for pending < env.MaxPipeline {
			index, ok := rarestWanted(env.Store, peer, fullyCovered)
			if !ok {
				break
			}
			inFlight, seen := inFlightByPiece[index]
			if !seen {
				inFlight = peer.OutstandingBegins(uint32(index))
				inFlightByPiece[index] = inFlight
			}
			pieceLen := env.Store.PieceLength(index)
			begin := env.Store.NextWantedBegin(index, inFlight)
			if begin >= pieceLen {
				fullyCovered[index] = true
				continue
			}

			length := int64(env.BlockSize)
			if remaining := pieceLen - begin; length > remaining {
				length = remaining
			}
			if env.MaxRequestBytes > 0 && length > int64(env.MaxRequestBytes) {
				length = int64(env.MaxRequestBytes)
			}

			peer.Enqueue(wire.RequestMessage(uint32(index), uint32(begin), uint32(length)))
			inFlight[begin] = length
			pending++
		}
	}
}

// peerWantsAnything reports whether peer holds at least one piece we
// still lack.
func peerWantsAnything(store *piecestore.Store, peer *peerwire.Session) bool {
	for i := 0; i < store.NumPieces(); i++ {
		if peer.Has.Has(i) && !store.Have(i) {
			return true
		}
	}
	return false
}

// rarestWanted picks the lowest-frequency piece peer holds that we
// still lack and that isn't in exclude (already fully requested from
// this peer this tick), breaking ties by smallest index (spec.md §4.6
// "Tie-breaking").
func rarestWanted(store *piecestore.Store, peer *peerwire.Session, exclude map[int]bool) (int, bool) {
	best := -1
	bestFreq := 0
	for i := 0; i < store.NumPieces(); i++ {
		if store.Have(i) || !peer.Has.Has(i) || exclude[i] {
			continue
		}
		f := store.Frequency(i)
		if best == -1 || f < bestFreq {
			best, bestFreq = i, f
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

// OnHaveCompletePiece broadcasts Have(index) to every connected peer
// (spec.md §4.6 "the bitfield hint to the world").
func (RandomPieceStrategy) OnHaveCompletePiece(env *Environment, index int) {
	for _, peer := range env.Peers {
		if peer.State == peerwire.Active {
			peer.Enqueue(wire.HaveMessage(uint32(index)))
		}
	}
}

// OnTrackerResponse opens connections to newly-learned peer addresses
// up to the connection ceiling, skipping our own address and peers we
// already hold a session for (spec.md §4.6).
func (RandomPieceStrategy) OnTrackerResponse(env *Environment, peers []tracker.PeerAddr) {
	known := make(map[string]bool, len(env.Peers))
	for _, p := range env.Peers {
		if p.Addr != nil {
			known[p.Addr.String()] = true
		}
	}

	slots := env.MaxPeers - len(env.Peers)
	for _, addr := range peers {
		if slots <= 0 {
			return
		}
		addrStr := net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(addr.Port)))
		if addrStr == env.LocalAddr || known[addrStr] {
			continue
		}
		if env.Connect == nil {
			continue
		}
		if err := env.Connect(addr); err == nil {
			known[addrStr] = true
			slots--
		}
	}
}
