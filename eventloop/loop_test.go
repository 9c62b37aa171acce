package eventloop

import (
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arashkasraei/gotorrent/config"
	"github.com/arashkasraei/gotorrent/controller"
	"github.com/arashkasraei/gotorrent/filemap"
	"github.com/arashkasraei/gotorrent/metainfo"
	"github.com/arashkasraei/gotorrent/peerwire"
	"github.com/arashkasraei/gotorrent/piecestore"
	"github.com/arashkasraei/gotorrent/wire"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTimerQueueFiresInDueOrder(t *testing.T) {
	q := newTimerQueue()
	var order []string
	q.add(30, func() { order = append(order, "c") })
	q.add(10, func() { order = append(order, "a") })
	q.add(20, func() { order = append(order, "b") })

	q.fireReady(25)
	assert.Equal(t, []string{"a", "b"}, order)

	due, ok := q.nextDue()
	require.True(t, ok)
	assert.EqualValues(t, 30, due)

	q.fireReady(30)
	assert.Equal(t, []string{"a", "b", "c"}, order)

	_, ok = q.nextDue()
	assert.False(t, ok)
}

func TestTimerQueueTiebreaksByInsertionOrder(t *testing.T) {
	q := newTimerQueue()
	var order []int
	q.add(10, func() { order = append(order, 1) })
	q.add(10, func() { order = append(order, 2) })
	q.add(10, func() { order = append(order, 3) })

	q.fireReady(10)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func newTestTorrent(t *testing.T) *controller.Torrent {
	t.Helper()
	content := make([]byte, 16)
	dir := t.TempDir()
	files := []metainfo.FileEntry{{Length: int64(len(content)), Path: []string{"f.bin"}}}
	mapper, err := filemap.New(dir, "t", files, 16)
	require.NoError(t, err)

	hashes := [][20]byte{sha1.Sum(content)}
	store := piecestore.New(mapper, 16, int64(len(content)), hashes, discardLogger())
	meta := &metainfo.Metainfo{PieceLength: 16, TotalLength: int64(len(content))}
	var peerID [20]byte
	return controller.New(meta, mapper, store, peerID, 6881, discardLogger())
}

// attachIdlePeer wires a session into tor over an in-memory pipe whose
// remote side is continuously drained, so Enqueue+DrainWrite never
// blocks on an unread net.Pipe.
func attachIdlePeer(t *testing.T, tor *controller.Torrent, clk clock.Clock) *peerwire.Session {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	go io.Copy(io.Discard, remote)

	s := peerwire.New(local, tor.Store.NumPieces(), tor.MaxRequestBytes, tor.MaxPipeline, peerwire.WithClock(clk))
	s.State = peerwire.Active
	tor.AddPeer(s)
	return s
}

func TestSweepPeersSendsKeepAliveAfterInterval(t *testing.T) {
	tor := newTestTorrent(t)
	mock := clock.NewMock()
	s := attachIdlePeer(t, tor, mock)

	l := New([]*controller.Torrent{tor}, nil, config.Config{KeepAliveInterval: 120 * time.Second, EvictionTimeout: 180 * time.Second}, mock, discardLogger())

	mock.Add(121 * time.Second)
	l.sweepPeers(tor)

	assert.Contains(t, s.PendingMessages(), wire.KindKeepAlive)
}

func TestSweepPeersEvictsIdlePeer(t *testing.T) {
	tor := newTestTorrent(t)
	mock := clock.NewMock()
	attachIdlePeer(t, tor, mock)

	l := New([]*controller.Torrent{tor}, nil, config.Config{KeepAliveInterval: 120 * time.Second, EvictionTimeout: 180 * time.Second}, mock, discardLogger())

	mock.Add(181 * time.Second)
	l.sweepPeers(tor)

	assert.Empty(t, tor.Peers())
}

func TestSweepPeersLeavesActivePeerAlone(t *testing.T) {
	tor := newTestTorrent(t)
	mock := clock.NewMock()
	s := attachIdlePeer(t, tor, mock)

	l := New([]*controller.Torrent{tor}, nil, config.Config{KeepAliveInterval: 120 * time.Second, EvictionTimeout: 180 * time.Second}, mock, discardLogger())

	mock.Add(10 * time.Second)
	l.sweepPeers(tor)

	assert.NotContains(t, s.PendingMessages(), wire.KindKeepAlive)
	assert.Len(t, tor.Peers(), 1)
}

func TestAddTimerFiresThroughRunTick(t *testing.T) {
	tor := newTestTorrent(t)
	mock := clock.NewMock()
	l := New([]*controller.Torrent{tor}, nil, config.Config{SelectTimeout: 10 * time.Millisecond}, mock, discardLogger())

	fired := make(chan struct{}, 1)
	l.AddTimer(5*time.Millisecond, func() { fired <- struct{}{} })

	mock.Add(6 * time.Millisecond)
	l.runTick()

	select {
	case <-fired:
	default:
		t.Fatal("timer did not fire")
	}
}
