// Package piecestore owns per-torrent block assembly, hash
// verification, the have-map, and the peer-frequency map (spec.md §3
// PieceStore, §4.5).
package piecestore

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/arashkasraei/gotorrent/bterr"
	"github.com/arashkasraei/gotorrent/filemap"
)

type blockKey struct {
	begin  int64
	length int64
}

// Store holds the piece-assembly state for one torrent.
type Store struct {
	pieceLength int64
	totalLength int64
	hashes      [][20]byte

	have      []bool
	blocks    []map[blockKey][]byte
	frequency []int

	mapper *filemap.Mapper
	log    logrus.FieldLogger
}

// New constructs a Store for a torrent with the given piece length,
// total length, and ordered piece hashes, writing through to mapper.
func New(mapper *filemap.Mapper, pieceLength, totalLength int64, hashes [][20]byte, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := len(hashes)
	s := &Store{
		pieceLength: pieceLength,
		totalLength: totalLength,
		hashes:      hashes,
		have:        make([]bool, n),
		blocks:      make([]map[blockKey][]byte, n),
		frequency:   make([]int, n),
		mapper:      mapper,
		log:         log,
	}
	for i := range s.blocks {
		s.blocks[i] = make(map[blockKey][]byte)
	}
	return s
}

// NumPieces returns N.
func (s *Store) NumPieces() int { return len(s.hashes) }

// Have reports whether piece i is verified and persisted.
func (s *Store) Have(i int) bool { return s.have[i] }

// PieceLength returns the length of piece i: pieceLength for every
// piece but the last, whose length is the remainder (spec.md §3).
func (s *Store) PieceLength(i int) int64 {
	if i < len(s.hashes)-1 {
		return s.pieceLength
	}
	rem := s.totalLength % s.pieceLength
	if rem == 0 {
		return s.pieceLength
	}
	return rem
}

// BytesLeft returns the number of bytes still unverified, the "left"
// parameter of a tracker announce (spec.md §4.7).
func (s *Store) BytesLeft() int64 {
	var left int64
	for i, have := range s.have {
		if !have {
			left += s.PieceLength(i)
		}
	}
	return left
}

// Frequency returns the number of connected peers known to hold piece i.
func (s *Store) Frequency(i int) int { return s.frequency[i] }

// IncFrequency increments frequency[i]; used when a peer's Have or
// Bitfield first reveals it holds piece i.
func (s *Store) IncFrequency(i int) { s.frequency[i]++ }

// DecFrequency decrements frequency[i]; used on peer drop for every
// piece that peer had.
func (s *Store) DecFrequency(i int) {
	if s.frequency[i] > 0 {
		s.frequency[i]--
	}
}

// Complete reports whether every piece is verified (spec.md §4.5
// "Completion").
func (s *Store) Complete() bool {
	for _, h := range s.have {
		if !h {
			return false
		}
	}
	return true
}

// AddBlockResult describes the effect of ingesting one block.
type AddBlockResult struct {
	PieceCompleted bool
	HashMismatch   bool
	AllComplete    bool
}

// AddBlock ingests one Piece message's payload. Blocks for an
// already-verified piece are discarded. Once the stored intervals
// cover the whole piece, it is hashed and compared to the expected
// digest (spec.md §4.5).
func (s *Store) AddBlock(index int, begin int64, data []byte) (AddBlockResult, error) {
	if index < 0 || index >= len(s.hashes) {
		return AddBlockResult{}, fmt.Errorf("%w: piece index %d out of range", bterr.ErrProtocolViolation, index)
	}
	if s.have[index] {
		return AddBlockResult{}, nil
	}

	key := blockKey{begin: begin, length: int64(len(data))}
	s.blocks[index][key] = data

	if err := s.mapper.WriteAt(index, begin, data); err != nil {
		return AddBlockResult{}, err
	}

	if !s.coversWhole(index) {
		return AddBlockResult{}, nil
	}

	buf, err := s.concatenate(index)
	if err != nil {
		return AddBlockResult{}, err
	}

	sum := sha1.Sum(buf)
	if !bytes.Equal(sum[:], s.hashes[index][:]) {
		s.log.WithField("piece", index).Warn("hash mismatch, clearing blocks")
		s.blocks[index] = make(map[blockKey][]byte)
		return AddBlockResult{HashMismatch: true}, nil
	}

	s.have[index] = true
	s.blocks[index] = make(map[blockKey][]byte)
	s.log.WithField("piece", index).Debug("piece verified")

	return AddBlockResult{PieceCompleted: true, AllComplete: s.Complete()}, nil
}

// coversWhole reports whether the blocks recorded for index form a
// contiguous, gap-free cover of [0, pieceLength(index)).
func (s *Store) coversWhole(index int) bool {
	keys := make([]blockKey, 0, len(s.blocks[index]))
	for k := range s.blocks[index] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].begin < keys[j].begin })

	var pos int64
	for _, k := range keys {
		if k.begin != pos {
			return false
		}
		pos += k.length
	}
	return pos == s.PieceLength(index)
}

// concatenate reads the whole piece back from the block map in order.
func (s *Store) concatenate(index int) ([]byte, error) {
	keys := make([]blockKey, 0, len(s.blocks[index]))
	for k := range s.blocks[index] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].begin < keys[j].begin })

	buf := make([]byte, 0, s.PieceLength(index))
	for _, k := range keys {
		buf = append(buf, s.blocks[index][k]...)
	}
	return buf, nil
}

// NextWantedBegin returns the smallest offset in [0, pieceLength(i))
// not yet covered by a stored or in-flight block, used by the
// strategy to pick the next Request for a piece (spec.md §4.6).
// inFlight maps each already-requested begin to its requested length,
// so an in-flight block occupies its full byte span rather than a
// single byte (spec.md §3's disjoint-range invariant).
func (s *Store) NextWantedBegin(index int, inFlight map[int64]int64) int64 {
	type span struct{ begin, end int64 }
	var spans []span
	for k := range s.blocks[index] {
		spans = append(spans, span{k.begin, k.begin + k.length})
	}
	for begin, length := range inFlight {
		spans = append(spans, span{begin, begin + length})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].begin < spans[j].begin })

	var pos int64
	for _, sp := range spans {
		if sp.begin > pos {
			break
		}
		if sp.end > pos {
			pos = sp.end
		}
	}
	return pos
}

// BlockRange returns the stored bytes for (index, begin, length), or
// ok=false if not present. Used to serve Request messages we owe other
// peers once we hold the piece.
func (s *Store) BlockRange(index int, begin, length int64) ([]byte, bool, error) {
	if index < 0 || index >= len(s.hashes) || !s.have[index] {
		return nil, false, nil
	}
	data, err := s.mapper.ReadAt(index, begin, length)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
