// Package bterr defines the error taxonomy shared across the torrent
// core. Handlers classify failures against these sentinels with
// errors.Is rather than inspecting concrete types, since the same
// underlying condition (a short read, a bad length prefix) can arise
// in several packages.
package bterr

import "errors"

var (
	// ErrBencodeMalformed covers any violation of the bencode grammar:
	// a non-digit where a digit was expected, a missing terminator, a
	// length prefix exceeding the remaining stream, or trailing bytes
	// after a top-level value.
	ErrBencodeMalformed = errors.New("bencode: malformed input")

	// ErrProtocolViolation covers a bad handshake, an oversized
	// request/cancel, a wrong-length bitfield, or a handshake whose
	// info-hash matches no torrent we own. The offending peer is
	// dropped; the torrent keeps running.
	ErrProtocolViolation = errors.New("peer wire: protocol violation")

	// ErrHashMismatch names the case where an assembled piece's SHA-1
	// does not match the expected digest. piecestore.Store.AddBlock
	// reports that case through AddBlockResult.HashMismatch rather than
	// by returning this error; the piece's blocks are cleared and the
	// torrent keeps running.
	ErrHashMismatch = errors.New("piece store: hash mismatch")

	// ErrTransport covers TCP resets and write errors. The peer is
	// dropped; the torrent keeps running.
	ErrTransport = errors.New("peer wire: transport error")

	// ErrTrackerFailure covers a tracker HTTP error or a bencoded
	// "failure reason"/"warning message" response. Logged and retried
	// at the next scheduled interval; never fatal to the torrent.
	ErrTrackerFailure = errors.New("tracker: failure")

	// ErrStorage covers any error talking to the file mapper. Fatal
	// for the owning torrent; surfaced to the caller.
	ErrStorage = errors.New("storage: error")
)
