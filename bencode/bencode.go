// Package bencode implements the bencode encoding: four self-describing
// types (integer, byte string, list, dictionary) used both for metainfo
// files on disk and for tracker responses on the wire.
//
// The decoder is iterative — an explicit stack of partially-built
// containers rather than recursive descent — so a pathologically
// deep-nested input cannot exhaust the goroutine stack (spec.md §4.1).
// The encoder produces the canonical form: dictionary keys are emitted
// in lexicographic byte order and integers carry no leading zeros,
// which is essential because a torrent's info-hash is SHA-1 over the
// canonical re-encoding of its info dictionary and every peer must
// land on the same bytes.
package bencode

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/arashkasraei/gotorrent/bterr"
)

// Kind discriminates the four bencode types.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// DictEntry is one key/value pair of a Dict, kept in the order it was
// decoded (or inserted) in, since bencode dictionaries are not
// required to be sorted on disk even though the canonical encoder
// always sorts them on the way out.
type DictEntry struct {
	Key   []byte
	Value Value
}

// Value is a decoded bencode value of any of the four kinds, plus the
// exact byte span it occupied in the input it was decoded from. Raw is
// nil for values built programmatically rather than decoded.
type Value struct {
	Kind Kind

	Int  int64
	Str  []byte
	List []Value
	Dict []DictEntry

	Raw []byte
}

// NewInt, NewString, NewList and NewDict build Values programmatically,
// e.g. for tests or for constructing a metainfo to re-encode.
func NewInt(i int64) Value    { return Value{Kind: KindInt, Int: i} }
func NewString(s []byte) Value { return Value{Kind: KindString, Str: s} }
func NewList(items []Value) Value { return Value{Kind: KindList, List: items} }
func NewDict(entries []DictEntry) Value { return Value{Kind: KindDict, Dict: entries} }

// Get returns the value for key in a dict, or false if absent. Get
// only searches the immediate dict, per the flat-lookup contract
// callers need (metainfo looks up "info", "announce", etc.).
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Dict {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// frame is one partially-built container on the iterative decoder's
// stack.
type frame struct {
	isDict  bool
	start   int
	list    []Value
	entries []DictEntry
	pending []byte
	havePending bool
}

// Decode decodes exactly one top-level bencode value from data,
// returning the value and the number of bytes consumed. It does not
// require data to be consumed in full — callers that need "no
// trailing garbage" at the top level should check that n == len(data)
// themselves (metainfo.Load does this).
func Decode(data []byte) (Value, int, error) {
	if len(data) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty input", bterr.ErrBencodeMalformed)
	}

	var stack []frame
	pos := 0

	// produce delivers a completed value either to the caller (stack
	// empty, "done" is true) or to the frame beneath it on the stack.
	produce := func(v Value) (done bool, err error) {
		if len(stack) == 0 {
			return true, nil
		}
		top := &stack[len(stack)-1]
		if top.isDict {
			if !top.havePending {
				if v.Kind != KindString {
					return false, fmt.Errorf("%w: dict key must be a byte string", bterr.ErrBencodeMalformed)
				}
				top.pending = v.Str
				top.havePending = true
			} else {
				top.entries = append(top.entries, DictEntry{Key: top.pending, Value: v})
				top.havePending = false
			}
		} else {
			top.list = append(top.list, v)
		}
		return false, nil
	}

	for {
		if pos >= len(data) {
			return Value{}, 0, fmt.Errorf("%w: unexpected end of input", bterr.ErrBencodeMalformed)
		}
		c := data[pos]

		switch {
		case c >= '0' && c <= '9':
			start := pos
			v, n, err := decodeString(data[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			pos += n
			v.Raw = data[start:pos]
			done, err := produce(v)
			if err != nil {
				return Value{}, 0, err
			}
			if done {
				return v, pos, nil
			}

		case c == 'i':
			start := pos
			v, n, err := decodeInt(data[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			pos += n
			v.Raw = data[start:pos]
			done, err := produce(v)
			if err != nil {
				return Value{}, 0, err
			}
			if done {
				return v, pos, nil
			}

		case c == 'l':
			stack = append(stack, frame{isDict: false, start: pos})
			pos++

		case c == 'd':
			stack = append(stack, frame{isDict: true, start: pos})
			pos++

		case c == 'e':
			if len(stack) == 0 {
				return Value{}, 0, fmt.Errorf("%w: unmatched 'e'", bterr.ErrBencodeMalformed)
			}
			top := stack[len(stack)-1]
			if top.isDict && top.havePending {
				return Value{}, 0, fmt.Errorf("%w: dict key without value", bterr.ErrBencodeMalformed)
			}
			stack = stack[:len(stack)-1]
			pos++

			var v Value
			if top.isDict {
				// Dictionaries need not arrive sorted on disk; decode
				// order is preserved here and the encoder sorts keys
				// on the way out to produce the canonical form.
				v = Value{Kind: KindDict, Dict: top.entries}
			} else {
				v = Value{Kind: KindList, List: top.list}
			}
			v.Raw = data[top.start:pos]

			if len(stack) == 0 {
				return v, pos, nil
			}
			if _, err := produce(v); err != nil {
				return Value{}, 0, err
			}

		default:
			return Value{}, 0, fmt.Errorf("%w: unexpected byte %q at offset %d", bterr.ErrBencodeMalformed, c, pos)
		}
	}
}

// decodeString decodes a byte-string value "<len>:<bytes>" from the
// front of data.
func decodeString(data []byte) (Value, int, error) {
	i := 0
	for i < len(data) && data[i] != ':' {
		if data[i] < '0' || data[i] > '9' {
			return Value{}, 0, fmt.Errorf("%w: non-digit %q in string length", bterr.ErrBencodeMalformed, data[i])
		}
		i++
	}
	if i == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty string length", bterr.ErrBencodeMalformed)
	}
	if i >= len(data) {
		return Value{}, 0, fmt.Errorf("%w: missing ':' in string length", bterr.ErrBencodeMalformed)
	}
	if data[0] == '0' && i != 1 {
		return Value{}, 0, fmt.Errorf("%w: leading zero in string length", bterr.ErrBencodeMalformed)
	}
	length := 0
	for _, d := range data[:i] {
		length = length*10 + int(d-'0')
	}
	start := i + 1
	if start+length > len(data) {
		return Value{}, 0, fmt.Errorf("%w: string length %d exceeds remaining stream", bterr.ErrBencodeMalformed, length)
	}
	return Value{Kind: KindString, Str: data[start : start+length]}, start + length, nil
}

// decodeInt decodes "i<ascii-int>e" from the front of data.
func decodeInt(data []byte) (Value, int, error) {
	if len(data) == 0 || data[0] != 'i' {
		return Value{}, 0, fmt.Errorf("%w: expected 'i'", bterr.ErrBencodeMalformed)
	}
	end := bytes.IndexByte(data, 'e')
	if end < 0 {
		return Value{}, 0, fmt.Errorf("%w: missing 'e' terminating integer", bterr.ErrBencodeMalformed)
	}
	body := data[1:end]
	if len(body) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty integer", bterr.ErrBencodeMalformed)
	}

	neg := false
	digits := body
	if digits[0] == '-' {
		neg = true
		digits = digits[1:]
		if len(digits) == 0 {
			return Value{}, 0, fmt.Errorf("%w: bare '-' integer", bterr.ErrBencodeMalformed)
		}
	}
	if digits[0] == '0' && len(digits) != 1 {
		return Value{}, 0, fmt.Errorf("%w: leading zero in integer", bterr.ErrBencodeMalformed)
	}
	if neg && digits[0] == '0' {
		return Value{}, 0, fmt.Errorf("%w: negative zero is not canonical", bterr.ErrBencodeMalformed)
	}
	var n int64
	for _, d := range digits {
		if d < '0' || d > '9' {
			return Value{}, 0, fmt.Errorf("%w: non-digit %q in integer", bterr.ErrBencodeMalformed, d)
		}
		n = n*10 + int64(d-'0')
	}
	if neg {
		n = -n
	}
	return Value{Kind: KindInt, Int: n}, end + 1, nil
}

// DecodeTop decodes data as a single top-level value and requires
// every byte to be consumed, per spec.md §4.1 ("trailing garbage when
// decoding a top-level value" is malformed).
func DecodeTop(data []byte) (Value, error) {
	v, n, err := Decode(data)
	if err != nil {
		return Value{}, err
	}
	if n != len(data) {
		return Value{}, fmt.Errorf("%w: trailing garbage after top-level value", bterr.ErrBencodeMalformed)
	}
	return v, nil
}

// Encode produces the canonical encoding of v.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.Int)
	case KindString:
		fmt.Fprintf(buf, "%d:", len(v.Str))
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		entries := append([]DictEntry(nil), v.Dict...)
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].Key, entries[j].Key) < 0
		})
		for _, e := range entries {
			fmt.Fprintf(buf, "%d:", len(e.Key))
			buf.Write(e.Key)
			encodeInto(buf, e.Value)
		}
		buf.WriteByte('e')
	}
}
