package filemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arashkasraei/gotorrent/metainfo"
)

func TestSegmentsSingleFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "My Torrent", []metainfo.FileEntry{{Length: 100, Path: []string{"whole.bin"}}}, 40)
	require.NoError(t, err)

	segs := m.Segments(0, 10, 20)
	require.Len(t, segs, 1)
	assert.Equal(t, int64(10), segs[0].Offset)
	assert.Equal(t, int64(20), segs[0].Length)
}

func TestSegmentsSpanFileBoundary(t *testing.T) {
	dir := t.TempDir()
	files := []metainfo.FileEntry{
		{Length: 30, Path: []string{"a.bin"}},
		{Length: 30, Path: []string{"b.bin"}},
	}
	m, err := New(dir, "multi", files, 50)
	require.NoError(t, err)

	// piece 0 spans bytes [0,50); request begin=20 len=20 -> [20,40)
	// crosses the file boundary at 30.
	segs := m.Segments(0, 20, 20)
	require.Len(t, segs, 2)
	assert.Equal(t, int64(20), segs[0].Offset)
	assert.Equal(t, int64(10), segs[0].Length)
	assert.Equal(t, int64(0), segs[1].Offset)
	assert.Equal(t, int64(10), segs[1].Length)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	files := []metainfo.FileEntry{
		{Length: 30, Path: []string{"a.bin"}},
		{Length: 30, Path: []string{"b.bin"}},
	}
	m, err := New(dir, "multi2", files, 50)
	require.NoError(t, err)

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, m.WriteAt(0, 20, data))

	got, err := m.ReadAt(0, 20, 20)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDirectoryNameSanitizedAndDeduped(t *testing.T) {
	dir := t.TempDir()
	m1, err := New(dir, "My Weird!!Name@@", []metainfo.FileEntry{{Length: 1, Path: []string{"f"}}}, 1)
	require.NoError(t, err)
	assert.Contains(t, m1.Dir, "My_WeirdName")

	m2, err := New(dir, "My Weird!!Name@@", []metainfo.FileEntry{{Length: 1, Path: []string{"f"}}}, 1)
	require.NoError(t, err)
	assert.NotEqual(t, m1.Dir, m2.Dir)
	assert.Contains(t, m2.Dir, "(1)")
}
