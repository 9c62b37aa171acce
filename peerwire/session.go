// Package peerwire implements the per-connection peer session: the
// handshake/message state machine, buffered partial-write accounting,
// local choke/interest flags, and the outstanding-request ledger
// (spec.md §3 PeerSession, §4.4).
package peerwire

import (
	"fmt"
	"net"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"

	"github.com/arashkasraei/gotorrent/bterr"
	"github.com/arashkasraei/gotorrent/wire"
)

// State is one of the four PeerSession lifecycle states (spec.md §4.4).
type State int

const (
	AwaitingHandshake State = iota
	AwaitingRemoteHandshake
	Active
	Dropped
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "AwaitingHandshake"
	case AwaitingRemoteHandshake:
		return "AwaitingRemoteHandshake"
	case Active:
		return "Active"
	case Dropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// request identifies one outstanding block request by the coordinates
// that a matching Piece reply will echo back (spec.md §3:
// "outstanding_requests: set of (piece_index, begin)").
type request struct {
	Index, Begin uint32
}

// want identifies a block another peer has asked us for.
type want struct {
	Index, Begin, Length uint32
}

// pendingSend is one queued outbound message with its serialized form
// and how much of it is still unwritten, per spec.md §4.4 "Buffered
// I/O".
type pendingSend struct {
	msg       wire.Message
	bytes     []byte
	remaining int
}

// Session is a single peer connection's state machine. The zero value
// is not usable; construct with New.
type Session struct {
	Conn net.Conn
	Addr net.Addr

	NumPieces       int
	MaxRequestBytes int
	MaxPipeline     int

	State State

	HandshakeSent     bool
	HandshakeReceived bool
	PeerID            [20]byte
	InfoHash          [20]byte

	AmChoking      bool
	AmInterested   bool
	ChokingMe      bool
	InterestedMe   bool
	Has            wire.Bitfield
	BitfieldSeen   bool

	outstanding map[request]uint32 // value is the requested length
	wants       map[want]struct{}

	receivedPieces []wire.Message

	outbox []pendingSend

	readBuf []byte

	lastHeard int64 // unix nanos per clk.Now()
	lastSpoke int64

	clk clock.Clock
	log logrus.FieldLogger

	decoder wire.Decoder
}

// Option configures a new Session.
type Option func(*Session)

// WithClock overrides the session's clock (tests use a fake one).
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clk = c }
}

// WithLogger overrides the session's logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) { s.log = l }
}

// New constructs a session in AwaitingHandshake for a torrent with
// numPieces pieces, honoring the given request-size and pipeline
// ceilings (spec.md §3, §4.6).
func New(conn net.Conn, numPieces, maxRequestBytes, maxPipeline int, opts ...Option) *Session {
	s := &Session{
		Conn:            conn,
		NumPieces:       numPieces,
		MaxRequestBytes: maxRequestBytes,
		MaxPipeline:     maxPipeline,
		State:           AwaitingHandshake,
		ChokingMe:       true,
		AmChoking:       true,
		Has:             make(wire.Bitfield, (numPieces+7)/8),
		outstanding:     make(map[request]uint32),
		wants:           make(map[want]struct{}),
		decoder:         wire.Decoder{NumPieces: numPieces, MaxRequestBytes: maxRequestBytes},
		clk:             clock.New(),
		log:             logrus.StandardLogger(),
	}
	if conn != nil {
		s.Addr = conn.RemoteAddr()
	}
	for _, o := range opts {
		o(s)
	}
	s.touchHeard()
	return s
}

func (s *Session) touchHeard() {
	s.lastHeard = s.clk.Now().UnixNano()
}

func (s *Session) touchSpoke() {
	s.lastSpoke = s.clk.Now().UnixNano()
}

// SecondsSinceHeard returns how long it has been since any bytes were
// last read from this peer.
func (s *Session) SecondsSinceHeard() float64 {
	return float64(s.clk.Now().UnixNano()-s.lastHeard) / 1e9
}

// SecondsSinceSpoke returns how long it has been since any bytes were
// last written to this peer.
func (s *Session) SecondsSinceSpoke() float64 {
	return float64(s.clk.Now().UnixNano()-s.lastSpoke) / 1e9
}

// SendHandshake writes our handshake straight to Conn (it does not go
// through the outbox), records infoHash as the hash the remote's
// handshake must carry, and advances the state machine toward
// AwaitingRemoteHandshake (spec.md §4.4). A write error drops the
// session.
func (s *Session) SendHandshake(infoHash, peerID [20]byte) {
	s.InfoHash = infoHash
	hs := wire.NewHandshake(infoHash, peerID)
	buf := hs.MarshalBinary()
	if _, err := s.Conn.Write(buf); err != nil {
		s.Drop()
		return
	}
	s.HandshakeSent = true
	s.touchSpoke()
	if s.State == AwaitingHandshake {
		s.State = AwaitingRemoteHandshake
	}
	s.maybeActivate()
}

// FeedRead appends newly-read bytes to the session's buffer and
// decodes as many handshakes/messages as are available, dispatching
// each to the appropriate handler. It stops at the first "insufficient
// data" point, leaving the remainder buffered for the next read.
func (s *Session) FeedRead(data []byte) error {
	if s.State == Dropped {
		return nil
	}
	s.touchHeard()
	s.readBuf = append(s.readBuf, data...)

	for {
		if !s.HandshakeReceived {
			hs, n, ok, err := wire.DecodeHandshake(s.readBuf)
			if err != nil {
				s.Drop()
				return err
			}
			if !ok {
				return nil
			}
			s.readBuf = s.readBuf[n:]
			if err := s.processHandshake(hs); err != nil {
				return err
			}
			if s.State == Dropped {
				return nil
			}
			continue
		}

		msg, n, ok, err := s.decoder.Decode(s.readBuf)
		if err != nil {
			s.Drop()
			return fmt.Errorf("%w: %v", bterr.ErrProtocolViolation, err)
		}
		if !ok {
			return nil
		}
		s.readBuf = s.readBuf[n:]
		if err := s.dispatch(msg); err != nil {
			return err
		}
		if s.State == Dropped {
			return nil
		}
	}
}

func (s *Session) processHandshake(hs wire.Handshake) error {
	s.HandshakeReceived = true
	s.PeerID = hs.PeerID

	if hs.Pstr != wire.DefaultProtocol {
		s.log.WithField("peer", s.Addr).WithField("pstr", hs.Pstr).Warn("dropping peer: unexpected protocol string")
		s.Drop()
		return fmt.Errorf("%w: unexpected protocol string %q", bterr.ErrProtocolViolation, hs.Pstr)
	}

	if err := s.ValidateInfoHash(hs.InfoHash); err != nil {
		s.log.WithField("peer", s.Addr).Warn("dropping peer: info-hash mismatch")
		return err
	}

	s.maybeActivate()
	return nil
}

// maybeActivate moves AwaitingHandshake/AwaitingRemoteHandshake to
// Active once both directions of the handshake are done.
func (s *Session) maybeActivate() {
	if s.HandshakeSent && s.HandshakeReceived && s.State != Dropped {
		s.State = Active
	}
}

// ValidateInfoHash drops the session if the info-hash a remote
// handshake claims (expected) differs from the one this session sent
// in SendHandshake. processHandshake calls it for every received
// handshake; a session compares against that single torrent's hash
// only (spec.md §4.4).
func (s *Session) ValidateInfoHash(expected [20]byte) error {
	if s.InfoHash != expected {
		s.Drop()
		return fmt.Errorf("%w: unknown info-hash in handshake", bterr.ErrProtocolViolation)
	}
	return nil
}

func (s *Session) dispatch(msg wire.Message) error {
	switch msg.Kind {
	case wire.KindKeepAlive:
		// timestamps already touched by FeedRead; no state change.
	case wire.KindChoke:
		s.ChokingMe = true
		s.purgeQueuedRequests()
	case wire.KindUnchoke:
		s.ChokingMe = false
	case wire.KindInterested:
		s.InterestedMe = true
	case wire.KindNotInterested:
		s.InterestedMe = false
	case wire.KindHave:
		if int(msg.Index) < s.NumPieces {
			s.Has.Set(int(msg.Index))
		}
	case wire.KindBitfield:
		s.Has = msg.Bitfield
		s.BitfieldSeen = true
	case wire.KindRequest:
		if int(msg.Length) > s.MaxRequestBytes && s.MaxRequestBytes > 0 {
			s.Drop()
			return fmt.Errorf("%w: request length %d exceeds max", bterr.ErrProtocolViolation, msg.Length)
		}
		s.wants[want{msg.Index, msg.Begin, msg.Length}] = struct{}{}
	case wire.KindCancel:
		delete(s.wants, want{msg.Index, msg.Begin, msg.Length})
	case wire.KindPiece:
		delete(s.outstanding, request{msg.Index, msg.Begin})
		s.receivedPieces = append(s.receivedPieces, msg)
	case wire.KindPort:
		// no DHT in this core; accepted and ignored.
	}
	return nil
}

// purgeQueuedRequests drops every unwritten Request from the outbox
// when the remote chokes us; writes already flushed to the socket are
// left alone (spec.md §4.4, §5).
func (s *Session) purgeQueuedRequests() {
	kept := s.outbox[:0]
	for _, p := range s.outbox {
		if p.msg.Kind == wire.KindRequest {
			continue
		}
		kept = append(kept, p)
	}
	s.outbox = kept
}

// Enqueue appends msg to the outbox, to be drained by DrainWrite.
func (s *Session) Enqueue(msg wire.Message) {
	buf := wire.Encode(msg)
	s.outbox = append(s.outbox, pendingSend{msg: msg, bytes: buf, remaining: len(buf)})
}

// HasPendingWrite reports whether the session wants write-readiness.
func (s *Session) HasPendingWrite() bool {
	return len(s.outbox) > 0
}

// PendingMessages returns the Kind of every message queued but not yet
// fully written, in enqueue order.
func (s *Session) PendingMessages() []wire.Kind {
	out := make([]wire.Kind, len(s.outbox))
	for i, p := range s.outbox {
		out[i] = p.msg.Kind
	}
	return out
}

// PendingRequests returns every Request message queued but not yet
// fully written, in enqueue order.
func (s *Session) PendingRequests() []wire.Message {
	var out []wire.Message
	for _, p := range s.outbox {
		if p.msg.Kind == wire.KindRequest {
			out = append(out, p.msg)
		}
	}
	return out
}

// DrainWrite writes the queued messages in enqueue order and fires
// sent-callbacks only for messages fully flushed (spec.md §4.4
// "Buffered I/O"). Each Conn.Write blocks until its bytes are written
// or the write fails; the writes are not non-blocking. A write error
// drops the session, and a short write without an error leaves the
// remainder queued for the next call.
func (s *Session) DrainWrite() error {
	for len(s.outbox) > 0 {
		head := &s.outbox[0]
		off := len(head.bytes) - head.remaining
		n, err := s.Conn.Write(head.bytes[off:])
		if n > 0 {
			head.remaining -= n
			s.touchSpoke()
		}
		if err != nil {
			s.Drop()
			return fmt.Errorf("%w: %v", bterr.ErrTransport, err)
		}
		if head.remaining > 0 {
			// short write; remainder stays queued for next pass.
			return nil
		}
		s.onSent(head.msg)
		s.outbox = s.outbox[1:]
	}
	return nil
}

// onSent fires the callback associated with a fully-written message
// (spec.md §4.4, mirroring peer.py's _sent_callbacks table).
func (s *Session) onSent(msg wire.Message) {
	switch msg.Kind {
	case wire.KindChoke:
		s.AmChoking = true
	case wire.KindUnchoke:
		s.AmChoking = false
	case wire.KindInterested:
		s.AmInterested = true
	case wire.KindNotInterested:
		s.AmInterested = false
	case wire.KindRequest:
		s.outstanding[request{msg.Index, msg.Begin}] = msg.Length
	case wire.KindCancel:
		delete(s.outstanding, request{msg.Index, msg.Begin})
	}
}

// OutstandingCount reports the number of requests sent and not yet
// satisfied or cancelled.
func (s *Session) OutstandingCount() int {
	return len(s.outstanding)
}

// HasOutstanding reports whether (index, begin) is an outstanding
// request.
func (s *Session) HasOutstanding(index, begin uint32) bool {
	_, ok := s.outstanding[request{index, begin}]
	return ok
}

// OutstandingBegins returns, for the given piece, the begin offset of
// every block already requested from this peer mapped to its
// requested length, so callers can compute the actual byte span each
// in-flight request covers instead of treating it as a single byte
// (spec.md §3's disjoint-range invariant applies to in-flight
// requests just as it does to stored blocks).
func (s *Session) OutstandingBegins(index uint32) map[int64]int64 {
	out := make(map[int64]int64)
	for r, length := range s.outstanding {
		if r.Index == index {
			out[int64(r.Begin)] = int64(length)
		}
	}
	return out
}

// Wants returns the set of (index, begin, length) blocks this peer has
// asked us for and not yet cancelled.
func (s *Session) Wants() []want {
	out := make([]want, 0, len(s.wants))
	for w := range s.wants {
		out = append(out, w)
	}
	return out
}

// FulfillWant removes one entry from Wants once it has been served
// (the controller calls this after queuing the matching Piece reply).
func (s *Session) FulfillWant(index, begin, length uint32) {
	delete(s.wants, want{index, begin, length})
}

// DrainReceivedPieces returns and clears every Piece message received
// since the last call, for the controller to feed into the piece
// store.
func (s *Session) DrainReceivedPieces() []wire.Message {
	out := s.receivedPieces
	s.receivedPieces = nil
	return out
}

// Drop transitions the session to Dropped and closes the socket. It
// is idempotent.
func (s *Session) Drop() {
	if s.State == Dropped {
		return
	}
	s.log.WithField("peer", s.Addr).Debug("dropping peer session")
	s.State = Dropped
	if s.Conn != nil {
		s.Conn.Close()
	}
}
