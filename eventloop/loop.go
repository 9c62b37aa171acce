// Package eventloop drives a controller.Torrent to completion: a
// single goroutine that, once per tick, runs timers, applies any
// tracker announce that finished since the last tick, dispatches
// buffered peer reads and writes, and finally lets the strategy decide
// what to do next (spec.md §4.8, §5).
//
// The source's reactor is one thread calling select(2) over raw
// sockets. Go has no idiomatic equivalent of multiplexing N sockets on
// one goroutine without cgo or golang.org/x/sys/unix, so this package
// maps the same fixed tick order onto channels instead: one
// lightweight reader goroutine per connection that only blocks on
// conn.Read and forwards bytes, one goroutine per in-flight tracker
// announce, and an accept-loop goroutine for the listening socket. All
// torrent-state mutation still happens back on the single Run
// goroutine, preserving spec.md §5's single-owner/no-locking model.
package eventloop

import (
	"context"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"

	"github.com/arashkasraei/gotorrent/config"
	"github.com/arashkasraei/gotorrent/controller"
	"github.com/arashkasraei/gotorrent/peerwire"
	"github.com/arashkasraei/gotorrent/tracker"
	"github.com/arashkasraei/gotorrent/wire"
)

// readResult is one batch of bytes (or a read error) from a peer
// connection's reader goroutine.
type readResult struct {
	addr string
	data []byte
	err  error
}

// announceResult is one finished tracker.Client.Announce call.
type announceResult struct {
	torrent   *controller.Torrent
	schedIdx  int
	resp      tracker.AnnounceResponse
	err       error
}

// acceptedConn is one inbound connection handed off by the accept loop.
type acceptedConn struct {
	conn net.Conn
	err  error
}

// Loop runs the reactor for one or more torrents sharing a single
// listening socket. Inbound connections are all attached to the first
// torrent (see handleAccepted).
type Loop struct {
	Torrents []*controller.Torrent
	Listener net.Listener
	Config   config.Config
	Clock    clock.Clock
	log      logrus.FieldLogger

	reads     chan readResult
	announces chan announceResult
	accepts   chan acceptedConn

	readersFor map[string]bool // addr -> reader goroutine already running
	timers     *timerQueue
	announcing map[announceKey]bool // in-flight announce suppression
}

type announceKey struct {
	torrent  *controller.Torrent
	schedIdx int
}

// New builds a Loop. listener may be nil to disable inbound connections.
func New(torrents []*controller.Torrent, listener net.Listener, cfg config.Config, clk clock.Clock, log logrus.FieldLogger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{
		Torrents:   torrents,
		Listener:   listener,
		Config:     cfg,
		Clock:      clk,
		log:        log,
		reads:      make(chan readResult, 64),
		announces:  make(chan announceResult, 8),
		accepts:    make(chan acceptedConn, 8),
		readersFor: make(map[string]bool),
		timers:     newTimerQueue(),
		announcing: make(map[announceKey]bool),
	}
}

// AddTimer schedules callback to run once, at least after d elapses
// (spec.md §4.8's add_timer, container/heap instead of a linear scan).
func (l *Loop) AddTimer(d time.Duration, callback func()) {
	l.timers.add(l.Clock.Now().Add(d).UnixNano(), callback)
}

// Run drives the reactor until ctx is cancelled. It blocks.
func (l *Loop) Run(ctx context.Context) error {
	if l.Listener != nil {
		go l.acceptLoop(ctx)
	}
	l.startReadersForKnownPeers()

	tickInterval := l.Config.SelectTimeout
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}
	tick := l.Clock.After(tickInterval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick:
			l.runTick()
			tick = l.Clock.After(tickInterval)

		case r := <-l.reads:
			l.handleRead(r)

		case a := <-l.announces:
			l.handleAnnounceResult(a)

		case c := <-l.accepts:
			l.handleAccepted(c)
		}
	}
}

// runTick is the fixed per-tick order of spec.md §4.8: timers, then
// tracker futures (announce dispatch lives here; results arrive async
// via l.announces), then readiness/dispatch (writes + keepalive/
// eviction sweep), then one strategy tick per torrent.
func (l *Loop) runTick() {
	now := l.Clock.Now().UnixNano()
	l.timers.fireReady(now)

	l.dispatchDueAnnounces()

	for _, tor := range l.Torrents {
		l.sweepPeers(tor)
		l.flushWrites(tor)
		l.startReadersFor(tor)
		tor.Tick()
	}
}

// sweepPeers sends a KeepAlive to any peer we haven't written to
// recently and evicts any peer we haven't heard from recently
// (spec.md §5).
func (l *Loop) sweepPeers(tor *controller.Torrent) {
	keepAlive := l.Config.KeepAliveInterval.Seconds()
	eviction := l.Config.EvictionTimeout.Seconds()

	var toDrop []string
	for _, s := range tor.Peers() {
		if s.State == peerwire.Dropped {
			continue
		}
		if eviction > 0 && s.SecondsSinceHeard() > eviction {
			toDrop = append(toDrop, s.Addr.String())
			continue
		}
		if keepAlive > 0 && s.SecondsSinceSpoke() > keepAlive {
			s.Enqueue(wire.KeepAliveMessage())
		}
	}
	for _, addr := range toDrop {
		l.log.WithField("peer", addr).Info("evicting idle peer")
		tor.DropPeer(addr)
		delete(l.readersFor, addr)
	}
}

// flushWrites drains every peer's outbox that has something queued.
func (l *Loop) flushWrites(tor *controller.Torrent) {
	for _, s := range tor.Peers() {
		if s.State == peerwire.Dropped || !s.HasPendingWrite() {
			continue
		}
		if err := s.DrainWrite(); err != nil {
			l.log.WithField("peer", s.Addr).WithError(err).Warn("write error, peer dropped")
		}
	}
}

// handleRead feeds one batch of bytes into its session via the
// controller. On a read error it drops the peer and forgets its
// reader; a live reader goroutine keeps reading on its own.
func (l *Loop) handleRead(r readResult) {
	if r.err != nil {
		l.dropFromAnyTorrent(r.addr)
		delete(l.readersFor, r.addr)
		return
	}
	for _, tor := range l.Torrents {
		if _, ok := indexOf(tor, r.addr); ok {
			tor.HandleRead(r.addr, r.data)
			return
		}
	}
}

func (l *Loop) dropFromAnyTorrent(addr string) {
	for _, tor := range l.Torrents {
		if _, ok := indexOf(tor, addr); ok {
			tor.DropPeer(addr)
			return
		}
	}
}

func indexOf(tor *controller.Torrent, addr string) (*peerwire.Session, bool) {
	for _, s := range tor.Peers() {
		if s.Addr != nil && s.Addr.String() == addr {
			return s, true
		}
	}
	return nil, false
}

// startReadersForKnownPeers spawns readers for any peer sessions
// already registered before Run starts (e.g. added by the caller).
func (l *Loop) startReadersForKnownPeers() {
	for _, tor := range l.Torrents {
		l.startReadersFor(tor)
	}
}

// startReadersFor spawns one reader goroutine for every peer in tor
// that doesn't already have one running.
func (l *Loop) startReadersFor(tor *controller.Torrent) {
	for _, s := range tor.Peers() {
		if s.State == peerwire.Dropped || s.Addr == nil {
			continue
		}
		addr := s.Addr.String()
		if l.readersFor[addr] {
			continue
		}
		l.readersFor[addr] = true
		go readLoop(s.Conn, addr, l.reads)
	}
}

// readLoop blocks on conn.Read and forwards every batch of bytes (or
// the terminal error) to out. It touches no torrent state directly —
// mirrors peer.py:_read_from_socket's "only read, hand off the rest".
func readLoop(conn net.Conn, addr string, out chan<- readResult) {
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			out <- readResult{addr: addr, data: cp}
		}
		if err != nil {
			out <- readResult{addr: addr, err: err}
			return
		}
	}
}

// acceptLoop blocks on Listener.Accept and forwards every new
// connection to accepts, mirroring main.py's _accept_connection.
func (l *Loop) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.Listener.Accept()
		select {
		case l.accepts <- acceptedConn{conn: conn, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleAccepted registers a freshly-accepted inbound connection
// against the first (and, in this module, only expected) torrent: it
// sends that torrent's handshake at once and adds the session to that
// torrent's peer table. When the remote handshake arrives,
// peerwire.Session.ValidateInfoHash compares it with the first
// torrent's info-hash only; the other torrents are not searched, so a
// peer for any other torrent is dropped.
func (l *Loop) handleAccepted(c acceptedConn) {
	if c.err != nil || c.conn == nil || len(l.Torrents) == 0 {
		return
	}
	tor := l.Torrents[0]
	s := peerwire.New(c.conn, tor.Store.NumPieces(), tor.MaxRequestBytes, tor.MaxPipeline, peerwire.WithClock(l.Clock))
	s.SendHandshake(tor.Meta.InfoHash, tor.PeerID)
	tor.AddPeer(s)
	l.startReadersFor(tor)
}

// dispatchDueAnnounces launches one goroutine per (torrent, tracker)
// pair whose Scheduler says it's time, guarding against launching a
// second announce to the same tracker while one is already in flight.
func (l *Loop) dispatchDueAnnounces() {
	for _, tor := range l.Torrents {
		for i, sched := range tor.Schedulers {
			if !sched.Due() {
				continue
			}
			key := announceKey{torrent: tor, schedIdx: i}
			if l.announcing[key] {
				continue
			}
			l.announcing[key] = true
			client, idx, url := tor.Trackers[i], i, tor.AnnounceURLs[i]
			req := tor.AnnounceRequest(url)
			go func() {
				resp, err := client.Announce(context.Background(), req)
				l.announces <- announceResult{torrent: tor, schedIdx: idx, resp: resp, err: err}
			}()
		}
	}
}

// handleAnnounceResult applies a finished announce to its scheduler
// and to the torrent's event stream.
func (l *Loop) handleAnnounceResult(a announceResult) {
	key := announceKey{torrent: a.torrent, schedIdx: a.schedIdx}
	delete(l.announcing, key)
	sched := a.torrent.Schedulers[a.schedIdx]

	if a.err != nil {
		sched.RecordFailure()
		a.torrent.ApplyTrackerFailure(a.err)
		return
	}
	sched.RecordResponse(a.resp)
	a.torrent.ApplyTrackerResponse(a.resp)
}
