// Package controller owns one torrent's mutable state — the piece
// store, the peer table, and its trackers — and routes inbound wire
// activity to them. It is the single owner mediating between
// PeerSession and Strategy so neither holds a back-reference to the
// other (spec.md §9 "self-referential components").
package controller

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"

	"github.com/arashkasraei/gotorrent/bterr"
	"github.com/arashkasraei/gotorrent/filemap"
	"github.com/arashkasraei/gotorrent/metainfo"
	"github.com/arashkasraei/gotorrent/peerwire"
	"github.com/arashkasraei/gotorrent/piecestore"
	"github.com/arashkasraei/gotorrent/strategy"
	"github.com/arashkasraei/gotorrent/tracker"
	"github.com/arashkasraei/gotorrent/wire"
)

// EventKind enumerates the torrent-level events the controller emits,
// replacing the source's layered ExceptionManager/MessageManager/
// EventManager composition with one enum. Emitted events are queued
// and handed out by DrainEvents; there is no routing table and no
// subscriber registration.
type EventKind int

const (
	EventHaveCompletePiece EventKind = iota
	EventDownloadComplete
	EventTrackerResponse
	EventTrackerFailure
	EventPeerConnected
	EventPeerDropped
)

// Event is a single emitted torrent-level occurrence.
type Event struct {
	Kind        EventKind
	PieceIndex  int
	Peers       []tracker.PeerAddr
	Err         error
	PeerAddress string
}

// Torrent owns everything needed to drive one metainfo to a verified
// local copy: the piece store, the connected peer table, the tracker
// clients/schedulers, and the strategy deciding what to do each tick.
type Torrent struct {
	Meta   *metainfo.Metainfo
	Store  *piecestore.Store
	Mapper *filemap.Mapper

	PeerID [20]byte
	Port   uint16

	peers map[string]*peerwire.Session

	// Trackers and Schedulers are parallel slices, one pair per
	// flattened announce URL (spec.md §4.2's announce-list, restored
	// per SPEC_FULL's "announce-list fan-out" supplement): every known
	// tracker is announced to independently rather than only the
	// primary.
	Trackers     []*tracker.Client
	Schedulers   []*tracker.Scheduler
	AnnounceURLs []string

	Strategy strategy.Strategy

	MaxPipeline     int
	MaxRequestBytes int
	BlockSize       int
	MaxPeers        int
	LocalAddr       string

	Dial func(ctx context.Context, addr string) (net.Conn, error)

	log    logrus.FieldLogger
	events []Event
}

// New constructs a Torrent controller around an already-loaded
// metainfo and its on-disk file mapping.
func New(meta *metainfo.Metainfo, mapper *filemap.Mapper, store *piecestore.Store, peerID [20]byte, port uint16, log logrus.FieldLogger) *Torrent {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Torrent{
		Meta:            meta,
		Store:           store,
		Mapper:          mapper,
		PeerID:          peerID,
		Port:            port,
		peers:           make(map[string]*peerwire.Session),
		Strategy:        strategy.RandomPieceStrategy{},
		MaxPipeline:     10,
		MaxRequestBytes: 16 * 1024,
		BlockSize:       16 * 1024,
		MaxPeers:        50,
		Dial:            defaultDial,
		log:             log,
	}
}

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// InitTrackers builds one tracker.Client and tracker.Scheduler per
// announce URL in Meta.AnnounceList (falling back to Meta.Announce
// alone), so a response or failure from one tracker never blocks
// re-announcing to the others.
func (t *Torrent) InitTrackers(timeout time.Duration, clk clock.Clock) {
	urls := t.Meta.AnnounceList
	if len(urls) == 0 && t.Meta.Announce != "" {
		urls = []string{t.Meta.Announce}
	}
	t.AnnounceURLs = urls
	t.Trackers = make([]*tracker.Client, len(urls))
	t.Schedulers = make([]*tracker.Scheduler, len(urls))
	for i := range urls {
		t.Trackers[i] = tracker.NewClient(timeout)
		t.Schedulers[i] = tracker.NewScheduler(clk)
	}
}

// AnnounceRequest builds the announce parameters for trackerURL from
// the torrent's current state (spec.md §4.7).
func (t *Torrent) AnnounceRequest(trackerURL string) tracker.AnnounceRequest {
	return tracker.AnnounceRequest{
		URL:      trackerURL,
		InfoHash: t.Meta.InfoHash,
		PeerID:   t.PeerID,
		Port:     t.Port,
		Left:     t.Store.BytesLeft(),
		NumWant:  t.MaxPeers,
	}
}

// DrainEvents returns and clears every event emitted since the last call.
func (t *Torrent) DrainEvents() []Event {
	out := t.events
	t.events = nil
	return out
}

func (t *Torrent) emit(e Event) {
	t.events = append(t.events, e)
}

// Peers returns every peer session, connected or not yet dropped.
func (t *Torrent) Peers() []*peerwire.Session {
	out := make([]*peerwire.Session, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// AddPeer registers a newly-constructed session under its address key.
func (t *Torrent) AddPeer(s *peerwire.Session) {
	key := s.Addr.String()
	t.peers[key] = s
	t.emit(Event{Kind: EventPeerConnected, PeerAddress: key})
}

// Connect dials addr, builds a session, sends our handshake (and
// bitfield, if we hold at least one piece), and registers it — the
// collaborator the strategy calls on TrackerResponse (spec.md §4.6).
func (t *Torrent) Connect(ctx context.Context, addr tracker.PeerAddr) error {
	conn, err := t.Dial(ctx, addr.String())
	if err != nil {
		return fmt.Errorf("%w: %v", bterr.ErrTransport, err)
	}

	s := peerwire.New(conn, t.Store.NumPieces(), t.MaxRequestBytes, t.MaxPipeline)
	s.SendHandshake(t.Meta.InfoHash, t.PeerID)
	if t.haveAny() {
		s.Enqueue(wire.BitfieldMessage(t.currentBitfield()))
	}
	t.AddPeer(s)
	return nil
}

// currentBitfield builds a fresh wire.Bitfield reflecting Store.Have.
func (t *Torrent) currentBitfield() wire.Bitfield {
	bf := make(wire.Bitfield, (t.Store.NumPieces()+7)/8)
	for i := 0; i < t.Store.NumPieces(); i++ {
		if t.Store.Have(i) {
			bf.Set(i)
		}
	}
	return bf
}

func (t *Torrent) haveAny() bool {
	for i := 0; i < t.Store.NumPieces(); i++ {
		if t.Store.Have(i) {
			return true
		}
	}
	return false
}

// HandleRead feeds newly-read bytes into a peer session, routing
// completed messages into the piece store and frequency map, and
// advancing its state machine (spec.md §4.4, §4.5).
func (t *Torrent) HandleRead(addr string, data []byte) {
	s, ok := t.peers[addr]
	if !ok {
		return
	}

	prevHas := boolsFrom(s.Has)

	if err := s.FeedRead(data); err != nil {
		t.log.WithField("peer", addr).WithError(err).Warn("dropping peer after decode error")
	}

	t.syncFrequency(s, prevHas)
	t.serveWants(s)
	t.ingestPieceMessages(s)

	if s.State == peerwire.Dropped {
		t.dropPeer(addr)
	}
}

// syncFrequency increments frequency[i] for every bit that newly
// flipped from false to true in s.Has since the previous read, whether
// via Have or the one-shot post-handshake Bitfield (spec.md §4.5).
func (t *Torrent) syncFrequency(s *peerwire.Session, prevHas []bool) {
	for i := 0; i < t.Store.NumPieces(); i++ {
		now := s.Has.Has(i)
		was := i < len(prevHas) && prevHas[i]
		if now && !was {
			t.Store.IncFrequency(i)
		}
	}
}

func boolsFrom(bf []byte) []bool {
	out := make([]bool, len(bf)*8)
	for i := range out {
		byteIdx, bit := i/8, i%8
		out[i] = bf[byteIdx]>>(7-bit)&1 != 0
	}
	return out
}

// serveWants fulfills any blocks this peer has requested from us that
// we actually hold, one Piece message per want (the controller-side
// half of the Request/Piece exchange; the source's stub
// _process_request is fleshed out here per spec.md §7).
func (t *Torrent) serveWants(s *peerwire.Session) {
	if s.AmChoking {
		return
	}
	for _, w := range s.Wants() {
		data, ok, err := t.Store.BlockRange(int(w.Index), int64(w.Begin), int64(w.Length))
		if err != nil || !ok {
			continue
		}
		s.FulfillWant(w.Index, w.Begin, w.Length)
		s.Enqueue(wire.PieceMessage(w.Index, w.Begin, data))
	}
}

// ingestPieceMessages drains any Piece payloads the session has
// buffered for us and feeds them to the piece store.
func (t *Torrent) ingestPieceMessages(s *peerwire.Session) {
	for _, pm := range s.DrainReceivedPieces() {
		res, err := t.Store.AddBlock(int(pm.Index), int64(pm.Begin), pm.Block)
		if err != nil {
			t.log.WithError(err).Warn("storage error adding block")
			continue
		}
		if res.PieceCompleted {
			t.emit(Event{Kind: EventHaveCompletePiece, PieceIndex: int(pm.Index)})
			t.Strategy.OnHaveCompletePiece(t.environment(), int(pm.Index))
		}
		if res.AllComplete {
			t.emit(Event{Kind: EventDownloadComplete})
		}
	}
}

// dropPeer decrements frequency for every piece the dropped peer had
// and removes it from the table (spec.md §5 "Cancellation and timeouts").
func (t *Torrent) dropPeer(addr string) {
	s, ok := t.peers[addr]
	if !ok {
		return
	}
	for i := 0; i < t.Store.NumPieces(); i++ {
		if s.Has.Has(i) {
			t.Store.DecFrequency(i)
		}
	}
	delete(t.peers, addr)
	t.emit(Event{Kind: EventPeerDropped, PeerAddress: addr})
}

// DropPeer is the externally-triggered form of dropPeer, used by the
// event loop on eviction (idle timeout) or transport error.
func (t *Torrent) DropPeer(addr string) {
	if s, ok := t.peers[addr]; ok {
		s.Drop()
	}
	t.dropPeer(addr)
}

// Tick runs the strategy once against the current peer table (spec.md
// §4.6, §4.8 "the strategy's tick runs at its own cadence").
func (t *Torrent) Tick() {
	t.Strategy.Tick(t.environment())
}

// ApplyTrackerResponse records a successful announce's peer list and
// lets the strategy decide which new addresses to connect to.
func (t *Torrent) ApplyTrackerResponse(resp tracker.AnnounceResponse) {
	t.emit(Event{Kind: EventTrackerResponse, Peers: resp.Peers})
	t.Strategy.OnTrackerResponse(t.environment(), resp.Peers)
}

// ApplyTrackerFailure records a failed announce as a non-fatal event
// (spec.md §7 TrackerFailure).
func (t *Torrent) ApplyTrackerFailure(err error) {
	t.emit(Event{Kind: EventTrackerFailure, Err: err})
}

func (t *Torrent) environment() *strategy.Environment {
	return &strategy.Environment{
		Store:           t.Store,
		Peers:           t.Peers(),
		MaxPipeline:     t.MaxPipeline,
		BlockSize:       t.BlockSize,
		MaxRequestBytes: t.MaxRequestBytes,
		MaxPeers:        t.MaxPeers,
		LocalAddr:       t.LocalAddr,
		Connect: func(addr tracker.PeerAddr) error {
			return t.Connect(context.Background(), addr)
		},
	}
}
