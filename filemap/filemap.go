// Package filemap maps (piece, offset, length) ranges onto one or
// more on-disk files and owns creating the torrent's target directory.
package filemap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/arashkasraei/gotorrent/bterr"
	"github.com/arashkasraei/gotorrent/metainfo"
)

// Segment is one (file, fileOffset, length) piece of a logical range
// that together with its siblings covers that range in order.
type Segment struct {
	Path   string
	Offset int64
	Length int64
}

type fileRange struct {
	start, end int64 // byte range within the logical concatenation of all files
	path       string
}

// Mapper maps logical torrent byte ranges to files rooted at Dir.
type Mapper struct {
	Dir         string
	pieceLength int64
	totalLength int64
	ranges      []fileRange
}

// New sanitizes name into a conflict-free directory under root,
// creates it along with every target file (without necessarily
// preallocating their full length), and returns a Mapper over them.
func New(root, name string, files []metainfo.FileEntry, pieceLength int64) (*Mapper, error) {
	dir, err := reserveDirectory(root, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bterr.ErrStorage, err)
	}

	m := &Mapper{Dir: dir, pieceLength: pieceLength}

	var offset int64
	for _, f := range files {
		fullPath := filepath.Join(append([]string{dir}, f.Path...)...)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", bterr.ErrStorage, err)
		}
		fh, err := os.OpenFile(fullPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", bterr.ErrStorage, err)
		}
		fh.Close()

		m.ranges = append(m.ranges, fileRange{start: offset, end: offset + f.Length, path: fullPath})
		offset += f.Length
	}
	m.totalLength = offset

	return m, nil
}

// reserveDirectory sanitizes name to [A-Za-z0-9 ] with spaces turned
// to underscores, then appends "(N)" on collision (spec.md §6 / §4.3).
func reserveDirectory(root, name string) (string, error) {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	base := b.String()
	if base == "" {
		base = "torrent"
	}

	candidate := filepath.Join(root, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			break
		}
		candidate = filepath.Join(root, fmt.Sprintf("%s(%d)", base, i))
	}
	if err := os.MkdirAll(candidate, 0o755); err != nil {
		return "", err
	}
	return candidate, nil
}

// Segments decomposes the logical range [piece*pieceLength+begin,
// +length) into the ordered file segments covering it.
func (m *Mapper) Segments(piece int, begin, length int64) []Segment {
	absStart := int64(piece)*m.pieceLength + begin
	absEnd := absStart + length

	idx := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].end > absStart
	})

	var segs []Segment
	for i := idx; i < len(m.ranges) && m.ranges[i].start < absEnd; i++ {
		r := m.ranges[i]
		segStart := max64(absStart, r.start)
		segEnd := min64(absEnd, r.end)
		segs = append(segs, Segment{
			Path:   r.path,
			Offset: segStart - r.start,
			Length: segEnd - segStart,
		})
	}
	return segs
}

// WriteAt writes data at (piece, begin), splitting across file
// boundaries as needed.
func (m *Mapper) WriteAt(piece int, begin int64, data []byte) error {
	var pos int64
	for _, seg := range m.Segments(piece, begin, int64(len(data))) {
		fh, err := os.OpenFile(seg.Path, os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("%w: %v", bterr.ErrStorage, err)
		}
		_, err = fh.WriteAt(data[pos:pos+seg.Length], seg.Offset)
		fh.Close()
		if err != nil {
			return fmt.Errorf("%w: %v", bterr.ErrStorage, err)
		}
		pos += seg.Length
	}
	return nil
}

// ReadAt reads length bytes from (piece, begin), concatenating across
// file boundaries as needed.
func (m *Mapper) ReadAt(piece int, begin, length int64) ([]byte, error) {
	out := make([]byte, 0, length)
	for _, seg := range m.Segments(piece, begin, length) {
		fh, err := os.Open(seg.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", bterr.ErrStorage, err)
		}
		buf := make([]byte, seg.Length)
		_, err = fh.ReadAt(buf, seg.Offset)
		fh.Close()
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: %v", bterr.ErrStorage, err)
		}
		out = append(out, buf...)
	}
	return out, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
