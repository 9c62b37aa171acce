// Package wire implements the peer wire handshake and message codec:
// a fixed handshake layout followed by a length-prefixed message
// stream (spec.md §4.4). Decoding is incremental — a decoder fed a
// buffer that doesn't yet hold a whole unit returns "insufficient"
// without consuming any bytes, rather than raising an exception, so a
// caller can keep accumulating bytes from a fragmented TCP stream and
// retry (spec.md §9 replaces the source's generator/exception "ran
// dry" signal with a plain, non-exceptional return value).
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/arashkasraei/gotorrent/bterr"
)

// DefaultProtocol is the handshake's pstr field.
const DefaultProtocol = "BitTorrent protocol"

// Kind identifies a message type. KindKeepAlive has no id byte on the
// wire, where it is a bare zero length prefix; 255 is only this
// package's in-memory tag for it.
type Kind uint8

const (
	KindChoke         Kind = 0
	KindUnchoke       Kind = 1
	KindInterested    Kind = 2
	KindNotInterested Kind = 3
	KindHave          Kind = 4
	KindBitfield      Kind = 5
	KindRequest       Kind = 6
	KindPiece         Kind = 7
	KindCancel        Kind = 8
	KindPort          Kind = 9
	KindKeepAlive     Kind = 255
)

func (k Kind) String() string {
	switch k {
	case KindChoke:
		return "Choke"
	case KindUnchoke:
		return "Unchoke"
	case KindInterested:
		return "Interested"
	case KindNotInterested:
		return "NotInterested"
	case KindHave:
		return "Have"
	case KindBitfield:
		return "Bitfield"
	case KindRequest:
		return "Request"
	case KindPiece:
		return "Piece"
	case KindCancel:
		return "Cancel"
	case KindPort:
		return "Port"
	case KindKeepAlive:
		return "KeepAlive"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is a tagged union over every message kind in spec.md §4.4's
// table. Only the fields relevant to Kind are populated.
type Message struct {
	Kind Kind

	Index  uint32 // Have, Request, Piece, Cancel
	Begin  uint32 // Request, Piece, Cancel
	Length uint32 // Request, Cancel

	Block    []byte   // Piece
	Bitfield Bitfield // Bitfield
	Port     uint16   // Port
}

func ChokeMessage() Message         { return Message{Kind: KindChoke} }
func UnchokeMessage() Message       { return Message{Kind: KindUnchoke} }
func InterestedMessage() Message    { return Message{Kind: KindInterested} }
func NotInterestedMessage() Message { return Message{Kind: KindNotInterested} }
func KeepAliveMessage() Message     { return Message{Kind: KindKeepAlive} }

func HaveMessage(index uint32) Message { return Message{Kind: KindHave, Index: index} }

func BitfieldMessage(bf Bitfield) Message { return Message{Kind: KindBitfield, Bitfield: bf} }

func RequestMessage(index, begin, length uint32) Message {
	return Message{Kind: KindRequest, Index: index, Begin: begin, Length: length}
}

func PieceMessage(index, begin uint32, block []byte) Message {
	return Message{Kind: KindPiece, Index: index, Begin: begin, Block: block}
}

func CancelMessage(index, begin, length uint32) Message {
	return Message{Kind: KindCancel, Index: index, Begin: begin, Length: length}
}

func PortMessage(port uint16) Message { return Message{Kind: KindPort, Port: port} }

// Encode serializes msg as "<4-byte length><1-byte id><payload>", or
// 4 zero bytes for KeepAlive.
func Encode(msg Message) []byte {
	var payload []byte
	switch msg.Kind {
	case KindChoke, KindUnchoke, KindInterested, KindNotInterested, KindKeepAlive:
		// no payload
	case KindHave:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, msg.Index)
	case KindBitfield:
		payload = msg.Bitfield
	case KindRequest, KindCancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
		binary.BigEndian.PutUint32(payload[4:8], msg.Begin)
		binary.BigEndian.PutUint32(payload[8:12], msg.Length)
	case KindPiece:
		payload = make([]byte, 8+len(msg.Block))
		binary.BigEndian.PutUint32(payload[0:4], msg.Index)
		binary.BigEndian.PutUint32(payload[4:8], msg.Begin)
		copy(payload[8:], msg.Block)
	case KindPort:
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, msg.Port)
	}

	if msg.Kind == KindKeepAlive {
		return []byte{0, 0, 0, 0}
	}

	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(msg.Kind)
	copy(buf[5:], payload)
	return buf
}

// Decoder decodes messages against a torrent's shape (piece count and
// request size ceiling), both needed to validate Bitfield length and
// Request/Cancel size per spec.md §4.4.
type Decoder struct {
	NumPieces       int
	MaxRequestBytes int
}

// bitfieldByteLen is ceil(NumPieces/8).
func (d Decoder) bitfieldByteLen() int {
	return (d.NumPieces + 7) / 8
}

// Decode attempts to decode one message from the front of buf. ok is
// false (and n is 0) if buf does not yet hold a complete message; the
// caller should accumulate more bytes and retry. A non-nil err is
// always fatal to the peer (spec.md §7 ProtocolViolation).
func (d Decoder) Decode(buf []byte) (msg Message, n int, ok bool, err error) {
	if len(buf) < 4 {
		return Message{}, 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return KeepAliveMessage(), 4, true, nil
	}
	if len(buf) < 4+int(length) {
		return Message{}, 0, false, nil
	}

	body := buf[4 : 4+int(length)]
	id := Kind(body[0])
	payload := body[1:]

	msg, err = d.decodePayload(id, payload)
	if err != nil {
		return Message{}, 0, false, err
	}
	return msg, 4 + int(length), true, nil
}

func (d Decoder) decodePayload(id Kind, payload []byte) (Message, error) {
	switch id {
	case KindChoke:
		return ChokeMessage(), nil
	case KindUnchoke:
		return UnchokeMessage(), nil
	case KindInterested:
		return InterestedMessage(), nil
	case KindNotInterested:
		return NotInterestedMessage(), nil

	case KindHave:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("%w: have payload length %d != 4", bterr.ErrProtocolViolation, len(payload))
		}
		return HaveMessage(binary.BigEndian.Uint32(payload)), nil

	case KindBitfield:
		want := d.bitfieldByteLen()
		if len(payload) != want {
			return Message{}, fmt.Errorf("%w: bitfield length %d != expected %d", bterr.ErrProtocolViolation, len(payload), want)
		}
		bf := make(Bitfield, len(payload))
		copy(bf, payload)
		if !trailingBitsClear(bf, d.NumPieces) {
			return Message{}, fmt.Errorf("%w: bitfield has nonzero trailing padding bits", bterr.ErrProtocolViolation)
		}
		return BitfieldMessage(bf), nil

	case KindRequest, KindCancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("%w: request/cancel payload length %d != 12", bterr.ErrProtocolViolation, len(payload))
		}
		length := binary.BigEndian.Uint32(payload[8:12])
		if d.MaxRequestBytes > 0 && int(length) > d.MaxRequestBytes {
			return Message{}, fmt.Errorf("%w: request length %d exceeds max %d", bterr.ErrProtocolViolation, length, d.MaxRequestBytes)
		}
		index := binary.BigEndian.Uint32(payload[0:4])
		begin := binary.BigEndian.Uint32(payload[4:8])
		if id == KindRequest {
			return RequestMessage(index, begin, length), nil
		}
		return CancelMessage(index, begin, length), nil

	case KindPiece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("%w: piece payload length %d < 8", bterr.ErrProtocolViolation, len(payload))
		}
		index := binary.BigEndian.Uint32(payload[0:4])
		begin := binary.BigEndian.Uint32(payload[4:8])
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return PieceMessage(index, begin, block), nil

	case KindPort:
		if len(payload) != 2 {
			return Message{}, fmt.Errorf("%w: port payload length %d != 2", bterr.ErrProtocolViolation, len(payload))
		}
		return PortMessage(binary.BigEndian.Uint16(payload)), nil

	default:
		// Unknown message ids are tolerated (forward compatibility);
		// the session simply ignores them, matching peer.py's
		// "undefined messages fail silently but still update
		// last_heard_from".
		return Message{Kind: id}, nil
	}
}

// Handshake is the fixed 1+pstrlen+8+20+20-byte preamble exchanged
// before any message flows.
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake with the default protocol string.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	return Handshake{Pstr: DefaultProtocol, InfoHash: infoHash, PeerID: peerID}
}

// MarshalBinary serializes the handshake.
func (h Handshake) MarshalBinary() []byte {
	buf := make([]byte, 1+len(h.Pstr)+8+20+20)
	buf[0] = byte(len(h.Pstr))
	cursor := 1
	cursor += copy(buf[cursor:], h.Pstr)
	cursor += 8 // reserved, already zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// DecodeHandshake attempts to decode a handshake from the front of
// buf, with the same insufficient-data contract as Decoder.Decode.
func DecodeHandshake(buf []byte) (hs Handshake, n int, ok bool, err error) {
	if len(buf) < 1 {
		return Handshake{}, 0, false, nil
	}
	pstrlen := int(buf[0])
	total := 1 + pstrlen + 8 + 20 + 20
	if len(buf) < total {
		return Handshake{}, 0, false, nil
	}

	cursor := 1
	pstr := string(buf[cursor : cursor+pstrlen])
	cursor += pstrlen
	cursor += 8 // reserved
	var infoHash, peerID [20]byte
	copy(infoHash[:], buf[cursor:cursor+20])
	cursor += 20
	copy(peerID[:], buf[cursor:cursor+20])

	return Handshake{Pstr: pstr, InfoHash: infoHash, PeerID: peerID}, total, true, nil
}
