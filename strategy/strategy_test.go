package strategy

import (
	"crypto/sha1"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arashkasraei/gotorrent/filemap"
	"github.com/arashkasraei/gotorrent/metainfo"
	"github.com/arashkasraei/gotorrent/peerwire"
	"github.com/arashkasraei/gotorrent/piecestore"
	"github.com/arashkasraei/gotorrent/tracker"
	"github.com/arashkasraei/gotorrent/wire"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newStore(t *testing.T, pieceLength int64, content []byte) *piecestore.Store {
	t.Helper()
	dir := t.TempDir()
	mapper, err := filemap.New(dir, "s", []metainfo.FileEntry{{Length: int64(len(content)), Path: []string{"f"}}}, pieceLength)
	require.NoError(t, err)

	var hashes [][20]byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		hashes = append(hashes, sha1.Sum(content[off:end]))
	}
	return piecestore.New(mapper, pieceLength, int64(len(content)), hashes, discardLogger())
}

func activePeer(t *testing.T, numPieces int) *peerwire.Session {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	s := peerwire.New(local, numPieces, 16384, 10)
	s.State = peerwire.Active
	return s
}

func TestTickSendsInterestedWhenPeerHasWantedPiece(t *testing.T) {
	store := newStore(t, 16, make([]byte, 32))
	peer := activePeer(t, 2)
	peer.Has.Set(0)

	env := &Environment{Store: store, Peers: []*peerwire.Session{peer}, MaxPipeline: 10, BlockSize: 16384, MaxRequestBytes: 16384}
	RandomPieceStrategy{}.Tick(env)

	assert.Contains(t, peer.PendingMessages(), wire.KindInterested)
}

func TestTickDoesNotRequestWhileChoked(t *testing.T) {
	store := newStore(t, 16, make([]byte, 32))
	peer := activePeer(t, 2)
	peer.Has.Set(0)
	peer.ChokingMe = true

	env := &Environment{Store: store, Peers: []*peerwire.Session{peer}, MaxPipeline: 10, BlockSize: 16384, MaxRequestBytes: 16384}
	RandomPieceStrategy{}.Tick(env)

	assert.Empty(t, peer.PendingRequests())
}

func TestTickPicksRarestPieceFirst(t *testing.T) {
	store := newStore(t, 4, make([]byte, 8))
	peer := activePeer(t, 2)
	peer.Has.Set(0)
	peer.Has.Set(1)
	peer.ChokingMe = false
	store.IncFrequency(0)
	store.IncFrequency(0)
	store.IncFrequency(1)

	env := &Environment{Store: store, Peers: []*peerwire.Session{peer}, MaxPipeline: 1, BlockSize: 4, MaxRequestBytes: 16384}
	RandomPieceStrategy{}.Tick(env)

	reqs := peer.PendingRequests()
	require.Len(t, reqs, 1)
	assert.EqualValues(t, 1, reqs[0].Index)
	assert.EqualValues(t, 0, reqs[0].Begin)
}

func TestHaveBroadcastsToActivePeersOnly(t *testing.T) {
	store := newStore(t, 16, make([]byte, 16))
	active := activePeer(t, 1)
	dropped := activePeer(t, 1)
	dropped.State = peerwire.Dropped

	env := &Environment{Store: store, Peers: []*peerwire.Session{active, dropped}}
	RandomPieceStrategy{}.OnHaveCompletePiece(env, 0)

	assert.True(t, active.HasPendingWrite())
	assert.False(t, dropped.HasPendingWrite())
}

func TestTrackerResponseConnectsNewPeersUpToCeiling(t *testing.T) {
	store := newStore(t, 16, make([]byte, 16))
	var connected []tracker.PeerAddr
	env := &Environment{
		Store:     store,
		Peers:     nil,
		MaxPeers:  1,
		LocalAddr: "",
		Connect: func(addr tracker.PeerAddr) error {
			connected = append(connected, addr)
			return nil
		},
	}

	addrs := []tracker.PeerAddr{
		{IP: net.ParseIP("10.0.0.1"), Port: 6881},
		{IP: net.ParseIP("10.0.0.2"), Port: 6881},
	}
	RandomPieceStrategy{}.OnTrackerResponse(env, addrs)

	assert.Len(t, connected, 1)
	assert.Equal(t, "10.0.0.1", connected[0].IP.String())
}

func TestTrackerResponseSkipsLocalAddress(t *testing.T) {
	store := newStore(t, 16, make([]byte, 16))
	var connected []tracker.PeerAddr
	env := &Environment{
		Store:     store,
		MaxPeers:  5,
		LocalAddr: "10.0.0.1:6881",
		Connect: func(addr tracker.PeerAddr) error {
			connected = append(connected, addr)
			return nil
		},
	}
	RandomPieceStrategy{}.OnTrackerResponse(env, []tracker.PeerAddr{{IP: net.ParseIP("10.0.0.1"), Port: 6881}})
	assert.Empty(t, connected)
}

func TestTrackerResponseSkipsFailedConnect(t *testing.T) {
	store := newStore(t, 16, make([]byte, 16))
	env := &Environment{
		Store:    store,
		MaxPeers: 5,
		Connect: func(addr tracker.PeerAddr) error {
			return errors.New("refused")
		},
	}
	// should not panic and simply skip the peer
	RandomPieceStrategy{}.OnTrackerResponse(env, []tracker.PeerAddr{{IP: net.ParseIP("10.0.0.1"), Port: 6881}})
}
