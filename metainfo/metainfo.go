// Package metainfo provides a typed, immutable view over a decoded
// .torrent file and computes its info-hash.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/arashkasraei/gotorrent/bencode"
	"github.com/arashkasraei/gotorrent/bterr"
)

// FileEntry is one file within a (possibly multi-file) torrent.
type FileEntry struct {
	Length int64
	Path   []string // path components, relative to the torrent's directory
}

// Metainfo is the immutable, decoded view of a .torrent file.
type Metainfo struct {
	Announce     string
	AnnounceList []string // flattened, deduplicated, primary URL included
	Name         string
	PieceLength  int64
	PieceHashes  [][20]byte
	Files        []FileEntry
	TotalLength  int64
	InfoHash     [20]byte

	raw      bencode.Value // the full decoded top-level dict
	infoRaw  bencode.Value // the "info" sub-value, byte span included
}

// Load decodes a metainfo file from r and validates the required keys
// named in spec.md §6.
func Load(r io.Reader) (*Metainfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read metainfo: %v", bterr.ErrStorage, err)
	}
	top, err := bencode.DecodeTop(data)
	if err != nil {
		return nil, err
	}
	return FromValue(top)
}

// FromValue builds a Metainfo from an already-decoded top-level dict.
// Exposed separately from Load so tests and the tracker client (which
// also decodes bencode) can build one without round-tripping through
// bytes.
func FromValue(top bencode.Value) (*Metainfo, error) {
	if top.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: metainfo top level is not a dict", bterr.ErrBencodeMalformed)
	}

	announceV, ok := top.Get("announce")
	if !ok || announceV.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing or invalid \"announce\"", bterr.ErrBencodeMalformed)
	}

	infoV, ok := top.Get("info")
	if !ok || infoV.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing or invalid \"info\"", bterr.ErrBencodeMalformed)
	}

	mi := &Metainfo{
		Announce: string(announceV.Str),
		raw:      top,
		infoRaw:  infoV,
	}

	if err := mi.parseInfo(infoV); err != nil {
		return nil, err
	}
	mi.parseAnnounceList(top)
	mi.computeInfoHash()

	return mi, nil
}

func (mi *Metainfo) parseInfo(info bencode.Value) error {
	nameV, ok := info.Get("name")
	if ok && nameV.Kind == bencode.KindString {
		mi.Name = string(nameV.Str)
	}

	pieceLenV, ok := info.Get("piece length")
	if !ok || pieceLenV.Kind != bencode.KindInt || pieceLenV.Int <= 0 {
		return fmt.Errorf("%w: missing or invalid \"piece length\"", bterr.ErrBencodeMalformed)
	}
	mi.PieceLength = pieceLenV.Int

	piecesV, ok := info.Get("pieces")
	if !ok || piecesV.Kind != bencode.KindString {
		return fmt.Errorf("%w: missing or invalid \"pieces\"", bterr.ErrBencodeMalformed)
	}
	if len(piecesV.Str)%20 != 0 {
		return fmt.Errorf("%w: \"pieces\" length %d not a multiple of 20", bterr.ErrBencodeMalformed, len(piecesV.Str))
	}
	n := len(piecesV.Str) / 20
	mi.PieceHashes = make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(mi.PieceHashes[i][:], piecesV.Str[i*20:(i+1)*20])
	}

	lengthV, hasLength := info.Get("length")
	filesV, hasFiles := info.Get("files")

	switch {
	case hasFiles:
		if filesV.Kind != bencode.KindList {
			return fmt.Errorf("%w: \"files\" is not a list", bterr.ErrBencodeMalformed)
		}
		for _, fv := range filesV.List {
			fe, err := parseFileEntry(fv)
			if err != nil {
				return err
			}
			mi.Files = append(mi.Files, fe)
			mi.TotalLength += fe.Length
		}
	case hasLength:
		if lengthV.Kind != bencode.KindInt {
			return fmt.Errorf("%w: \"length\" is not an int", bterr.ErrBencodeMalformed)
		}
		mi.Files = []FileEntry{{Length: lengthV.Int, Path: []string{mi.Name}}}
		mi.TotalLength = lengthV.Int
	default:
		return fmt.Errorf("%w: info dict has neither \"length\" nor \"files\"", bterr.ErrBencodeMalformed)
	}

	return nil
}

func parseFileEntry(v bencode.Value) (FileEntry, error) {
	if v.Kind != bencode.KindDict {
		return FileEntry{}, fmt.Errorf("%w: file entry is not a dict", bterr.ErrBencodeMalformed)
	}
	lengthV, ok := v.Get("length")
	if !ok || lengthV.Kind != bencode.KindInt {
		return FileEntry{}, fmt.Errorf("%w: file entry missing \"length\"", bterr.ErrBencodeMalformed)
	}
	pathV, ok := v.Get("path")
	if !ok || pathV.Kind != bencode.KindList {
		return FileEntry{}, fmt.Errorf("%w: file entry missing \"path\"", bterr.ErrBencodeMalformed)
	}
	var path []string
	for _, c := range pathV.List {
		if c.Kind != bencode.KindString {
			return FileEntry{}, fmt.Errorf("%w: file path component is not a string", bterr.ErrBencodeMalformed)
		}
		path = append(path, string(c.Str))
	}
	return FileEntry{Length: lengthV.Int, Path: path}, nil
}

// parseAnnounceList flattens "announce-list" (a list of tiers, each a
// list of URLs) into a single deduplicated slice with Announce first,
// per spec.md §4.2 ("tier semantics are not modeled").
func (mi *Metainfo) parseAnnounceList(top bencode.Value) {
	seen := map[string]bool{mi.Announce: true}
	mi.AnnounceList = []string{mi.Announce}

	listV, ok := top.Get("announce-list")
	if !ok || listV.Kind != bencode.KindList {
		return
	}
	for _, tier := range listV.List {
		if tier.Kind != bencode.KindList {
			continue
		}
		for _, u := range tier.List {
			if u.Kind != bencode.KindString {
				continue
			}
			url := string(u.Str)
			if seen[url] {
				continue
			}
			seen[url] = true
			mi.AnnounceList = append(mi.AnnounceList, url)
		}
	}
}

// computeInfoHash hashes the canonical re-encoding of the "info"
// value (keys sorted), so the digest does not depend on the key order
// of the original file. For a file whose info dict is already
// canonical this equals the SHA-1 of its raw byte span (infoRaw.Raw).
func (mi *Metainfo) computeInfoHash() {
	mi.InfoHash = sha1.Sum(bencode.Encode(mi.infoRaw))
}

// EncodeInfo returns the canonical bencoding of the info dictionary,
// independent of the original byte span; InfoHash is its SHA-1.
func (mi *Metainfo) EncodeInfo() []byte {
	return bencode.Encode(mi.infoRaw)
}

// Encode returns the canonical bencoding of the whole metainfo file.
func (mi *Metainfo) Encode() []byte {
	return bencode.Encode(mi.raw)
}
