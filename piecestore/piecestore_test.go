package piecestore

import (
	"crypto/sha1"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arashkasraei/gotorrent/filemap"
	"github.com/arashkasraei/gotorrent/metainfo"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newStoreForSingleFile(t *testing.T, content []byte, pieceLength int64) (*Store, *filemap.Mapper) {
	t.Helper()
	dir := t.TempDir()
	mapper, err := filemap.New(dir, "single", []metainfo.FileEntry{{Length: int64(len(content)), Path: []string{"f.bin"}}}, pieceLength)
	require.NoError(t, err)

	var hashes [][20]byte
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		hashes = append(hashes, sha1.Sum(content[off:end]))
	}

	store := New(mapper, pieceLength, int64(len(content)), hashes, discardLogger())
	return store, mapper
}

func TestSinglePieceDownloadSucceeds(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	store, _ := newStoreForSingleFile(t, content, 16)

	res, err := store.AddBlock(0, 0, content)
	require.NoError(t, err)
	assert.True(t, res.PieceCompleted)
	assert.True(t, res.AllComplete)
	assert.True(t, store.Have(0))
	assert.True(t, store.Complete())
	assert.Empty(t, store.blocks[0])
}

func TestHashMismatchRecovery(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	store, _ := newStoreForSingleFile(t, content, 16)

	wrong := []byte("FEDCBA9876543210")
	res, err := store.AddBlock(0, 0, wrong)
	require.NoError(t, err)
	assert.True(t, res.HashMismatch)
	assert.False(t, store.Have(0))
	assert.Empty(t, store.blocks[0])
	assert.False(t, store.Complete())
}

func TestPartialBlocksDoNotCompleteUntilFullCover(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	store, _ := newStoreForSingleFile(t, content, 16)

	res, err := store.AddBlock(0, 0, content[:8])
	require.NoError(t, err)
	assert.False(t, res.PieceCompleted)
	assert.False(t, store.Have(0))

	res, err = store.AddBlock(0, 8, content[8:])
	require.NoError(t, err)
	assert.True(t, res.PieceCompleted)
}

func TestLastPieceShorterThanPieceLength(t *testing.T) {
	content := []byte("0123456789ABCDE") // 15 bytes, piece length 8 -> pieces of 8, 7
	store, _ := newStoreForSingleFile(t, content, 8)

	require.Equal(t, int64(8), store.PieceLength(0))
	require.Equal(t, int64(7), store.PieceLength(1))

	res, err := store.AddBlock(0, 0, content[:8])
	require.NoError(t, err)
	assert.True(t, res.PieceCompleted)

	res, err = store.AddBlock(1, 0, content[8:])
	require.NoError(t, err)
	assert.True(t, res.PieceCompleted)
	assert.True(t, res.AllComplete)
}

func TestAlreadyHavePieceDiscardsFurtherBlocks(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	store, _ := newStoreForSingleFile(t, content, 16)

	_, err := store.AddBlock(0, 0, content)
	require.NoError(t, err)
	require.True(t, store.Have(0))

	res, err := store.AddBlock(0, 0, content)
	require.NoError(t, err)
	assert.False(t, res.PieceCompleted)
	assert.False(t, res.HashMismatch)
}

func TestFrequencyMapIncrementsAndDecrements(t *testing.T) {
	content := []byte("0123456789ABCDEF")
	store, _ := newStoreForSingleFile(t, content, 16)

	store.IncFrequency(0)
	store.IncFrequency(0)
	assert.Equal(t, 2, store.Frequency(0))

	store.DecFrequency(0)
	assert.Equal(t, 1, store.Frequency(0))
}
