package controller

import (
	"crypto/sha1"
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
	"github.com/arashkasraei/gotorrent/wire"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newSingleFileTorrent(t *testing.T, content []byte, pieceLength int64) *Torrent {
	t.Helper()
	dir := t.TempDir()
	files := []metainfo.FileEntry{{Length: int64(len(content)), Path: []string{"f.bin"}}}
	mapper, err := filemap.New(dir, "t", files, pieceLength)
	require.NoError(t, err)

	var hashes [][20]byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		hashes = append(hashes, sha1.Sum(content[off:end]))
	}
	store := piecestore.New(mapper, pieceLength, int64(len(content)), hashes, discardLogger())

	meta := &metainfo.Metainfo{PieceLength: pieceLength, TotalLength: int64(len(content)), PieceHashes: hashes}
	var peerID [20]byte
	copy(peerID[:], "-GR0001-000000000001")

	tor := New(meta, mapper, store, peerID, 6881, discardLogger())
	return tor
}

// attachPeer wires a session into tor as if Connect had dialed it,
// using an in-memory pipe instead of a real socket. net.Pipe is
// synchronous, so a goroutine drains the remote side to keep
// SendHandshake (and any later Enqueue+DrainWrite) from blocking.
func attachPeer(t *testing.T, tor *Torrent) (*peerwire.Session, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	go io.Copy(io.Discard, remote)

	s := peerwire.New(local, tor.Store.NumPieces(), tor.MaxRequestBytes, tor.MaxPipeline)
	s.SendHandshake(tor.Meta.InfoHash, tor.PeerID)
	tor.AddPeer(s)
	return s, remote
}

func TestSinglePieceDownloadEndToEnd(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	tor := newSingleFileTorrent(t, content, int64(len(content)))
	s, _ := attachPeer(t, tor)
	addr := s.Addr.String()

	var peerID [20]byte
	copy(peerID[:], "-UT0001-000000000001")
	hs := wire.NewHandshake(tor.Meta.InfoHash, peerID)
	tor.HandleRead(addr, hs.MarshalBinary())
	require.Equal(t, peerwire.Active, s.State)

	bf := wire.NewBitfield(1, []bool{true})
	tor.HandleRead(addr, wire.Encode(wire.BitfieldMessage(bf)))
	assert.Equal(t, 1, tor.Store.Frequency(0))

	tor.HandleRead(addr, wire.Encode(wire.UnchokeMessage()))
	assert.False(t, s.ChokingMe)

	tor.Tick()
	require.Len(t, s.PendingRequests(), 1)
	req := s.PendingRequests()[0]

	tor.HandleRead(addr, wire.Encode(wire.PieceMessage(req.Index, req.Begin, content)))

	assert.True(t, tor.Store.Have(0))
	assert.True(t, tor.Store.Complete())

	events := tor.DrainEvents()
	var sawComplete, sawDownloadComplete bool
	for _, e := range events {
		if e.Kind == EventHaveCompletePiece {
			sawComplete = true
		}
		if e.Kind == EventDownloadComplete {
			sawDownloadComplete = true
		}
	}
	assert.True(t, sawComplete)
	assert.True(t, sawDownloadComplete)
}

func TestHashMismatchRecoveryEndToEnd(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	tor := newSingleFileTorrent(t, content, int64(len(content)))
	s, _ := attachPeer(t, tor)
	addr := s.Addr.String()

	var peerID [20]byte
	hs := wire.NewHandshake(tor.Meta.InfoHash, peerID)
	tor.HandleRead(addr, hs.MarshalBinary())

	wrong := []byte("FEDCBA9876543210")
	tor.HandleRead(addr, wire.Encode(wire.PieceMessage(0, 0, wrong)))

	assert.False(t, tor.Store.Have(0))
	assert.False(t, tor.Store.Complete())

	for _, e := range tor.DrainEvents() {
		assert.NotEqual(t, EventDownloadComplete, e.Kind)
	}
}

func TestHandshakeRejectionDropsPeerFromTable(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	tor := newSingleFileTorrent(t, content, int64(len(content)))
	s, _ := attachPeer(t, tor)
	addr := s.Addr.String()

	var peerID [20]byte
	hs := wire.Handshake{Pstr: "WrongProtocol", InfoHash: tor.Meta.InfoHash, PeerID: peerID}
	tor.HandleRead(addr, hs.MarshalBinary())

	assert.Len(t, tor.Peers(), 0)
}

func TestPeerDropDecrementsFrequency(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	tor := newSingleFileTorrent(t, content, int64(len(content)))
	s, _ := attachPeer(t, tor)
	addr := s.Addr.String()

	var peerID [20]byte
	hs := wire.NewHandshake(tor.Meta.InfoHash, peerID)
	tor.HandleRead(addr, hs.MarshalBinary())
	tor.HandleRead(addr, wire.Encode(wire.BitfieldMessage(wire.NewBitfield(1, []bool{true}))))
	require.Equal(t, 1, tor.Store.Frequency(0))

	tor.DropPeer(addr)
	assert.Equal(t, 0, tor.Store.Frequency(0))
	assert.Len(t, tor.Peers(), 0)
}
