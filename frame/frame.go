// Package frame implements the daqfabric wire codec: a length-prefixed
// framing scheme in the spirit of netstrings. Every message on the wire
// has the form <ascii-decimal-length>:<payload>, so that a payload may
// contain arbitrary bytes, including commas and digits, without ambiguity.
package frame

import (
	"strconv"
)

// MaxPrefixDigits is the widest a decimal length prefix is allowed to be.
// Nine digits bounds payloads to at most 999,999,999 bytes on the wire.
const MaxPrefixDigits = 9

// ChunkThreshold is the payload size at or above which Encode producers may
// prefer EncodeSegments to avoid a full copy of the payload.
const ChunkThreshold = 4096

// DefaultMaxPayload is the default ceiling enforced by Decoder, well under
// the wire's 9-digit capacity. Low-rate DAQ telemetry frames are small and
// human-inspectable; this bounds a misbehaving peer's ability to make a
// single reactor-owned connection hold an unbounded amount of memory.
// Configurable via WithMaxPayload; the wire format's 9-digit length
// prefix allows far larger frames than any sane deployment wants in
// memory at once.
const DefaultMaxPayload = 8 << 20 // 8 MiB

// Encode wraps payload as a single framed message: "<len>:<payload>,".
func Encode(payload []byte) []byte {
	prefix := strconv.Itoa(len(payload))
	out := make([]byte, 0, len(prefix)+1+len(payload)+1)
	out = append(out, prefix...)
	out = append(out, ':')
	out = append(out, payload...)
	out = append(out, ',')
	return out
}

// EncodeSegments splits a framed message into its three wire segments
// (prefix+colon, payload, terminator) without copying payload. Callers
// queuing large payloads (>= ChunkThreshold) use this to hand the segments
// straight to a Stream's outbound queue.
func EncodeSegments(payload []byte) [][]byte {
	prefix := []byte(strconv.Itoa(len(payload)) + ":")
	return [][]byte{prefix, payload, {','}}
}
