package frame

import (
	"bytes"
	"errors"
)

// ErrMessageTooLarge is returned by Feed when a prefix declares a payload
// longer than the decoder's configured ceiling (see WithMaxPayload).
var ErrMessageTooLarge = errors.New("frame: message too large")

// Event is one unit produced by the decoder, in arrival order. Exactly one
// of Payload or Discarded is meaningful: a decoded message sets Payload: a
// run of bytes that could not begin, or complete, a valid frame sets
// Discarded to the number of bytes thrown away.
type Event struct {
	Payload   []byte
	Discarded int
}

// IsPayload reports whether this event carries a decoded payload.
func (e Event) IsPayload() bool { return e.Payload != nil }

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxPayload overrides the default payload ceiling (see
// DefaultMaxPayload). Pass a value up to 999,999,999 to use the full wire
// capacity of a 9-digit prefix.
func WithMaxPayload(n int) Option {
	return func(d *Decoder) { d.maxPayload = n }
}

// Decoder incrementally reassembles framed payloads from an arbitrary byte
// stream. It is not safe for concurrent use; daqfabric's reactor feeds each
// Stream's Decoder from a single thread.
//
// Scanning rule: the decoder looks for the next run of 1-9 ASCII digits
// followed directly by ':', or by exactly one other byte and then ':'. Any
// bytes skipped before such a prefix are reported as discarded, except that
// a single trailing newline immediately preceding the prefix is swallowed
// silently (readability convention: "\n5:hello," is treated the same as
// "5:hello,", with no newline counted in the discard report). Once a
// length-prefixed payload is matched but its terminating byte is not ',',
// the whole attempted message (prefix and declared payload) is discarded as
// non-conformance and scanning resumes after it.
type Decoder struct {
	buf        bytes.Buffer
	maxPayload int
}

// NewDecoder creates a Decoder ready to accept bytes via Feed.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{maxPayload: DefaultMaxPayload}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Feed appends data to the decoder's internal buffer and returns every
// event that can be produced from the bytes seen so far, in arrival order.
// Feeding the same byte stream split across any partition of chunks yields
// the same payloads and the same total of discarded bytes as feeding it in
// one call; for a stream of well-formed frames the event sequence is
// identical, while a run of noise may be reported as several smaller
// discard events when it spans chunk boundaries.
func (d *Decoder) Feed(data []byte) ([]Event, error) {
	if len(data) > 0 {
		d.buf.Write(data)
	}

	var events []Event
	for {
		b := d.buf.Bytes()
		if len(b) == 0 {
			return events, nil
		}

		// Seek the first digit; everything before it is noise.
		i := 0
		for i < len(b) && !isDigit(b[i]) {
			i++
		}
		if i > 0 {
			if i == len(b) && b[i-1] == '\n' {
				// The trailing newline may yet precede a prefix in a later
				// chunk: hold it back until the next byte arrives.
				if i > 1 {
					d.buf.Next(i - 1)
					events = append(events, Event{Discarded: i - 1})
				}
				return events, nil
			}
			discard := i
			// A single leading newline right before the prefix is
			// readability padding, not non-conformance.
			if b[i-1] == '\n' {
				discard = i - 1
			}
			d.buf.Next(i)
			if discard > 0 {
				events = append(events, Event{Discarded: discard})
			}
			continue
		}

		// b[0] is a digit. Scan up to MaxPrefixDigits of them.
		j := 0
		for j < len(b) && j < MaxPrefixDigits && isDigit(b[j]) {
			j++
		}
		if j == len(b) {
			return events, nil // need more data to know where digits end
		}
		if j == MaxPrefixDigits && isDigit(b[j]) {
			// A tenth consecutive digit: this run can never be a valid
			// prefix. Resync by dropping one byte, mirroring regex
			// backtracking, and try again from the next position.
			d.buf.Next(1)
			events = append(events, Event{Discarded: 1})
			continue
		}

		prefixEnd := -1
		switch {
		case b[j] == ':':
			prefixEnd = j + 1
		case j+1 < len(b) && b[j+1] == ':':
			prefixEnd = j + 2 // one noise byte between digits and colon
		case j+1 >= len(b):
			return events, nil // need to see one more byte
		default:
			// Neither the digit-run's successor nor the byte after it is
			// ':'. This was not a valid prefix; drop the first digit and
			// retry scanning from the next byte.
			d.buf.Next(1)
			events = append(events, Event{Discarded: 1})
			continue
		}

		length := parseDigits(b[:j])
		if length > d.maxPayload {
			return events, ErrMessageTooLarge
		}

		need := prefixEnd + length + 1
		if len(b) < need {
			return events, nil // wait for the rest of the payload + terminator
		}

		if b[prefixEnd+length] == ',' {
			payload := make([]byte, length)
			copy(payload, b[prefixEnd:prefixEnd+length])
			d.buf.Next(need)
			events = append(events, Event{Payload: payload})
			continue
		}

		// Terminator mismatch: the whole attempted message (prefix + L
		// bytes) is non-conformance. The failed terminator byte itself is
		// also consumed, silently, so scanning resumes just past it.
		d.buf.Next(prefixEnd + length + 1)
		events = append(events, Event{Discarded: prefixEnd + length})
	}
}

func parseDigits(b []byte) int {
	n := 0
	for _, c := range b {
		n = n*10 + int(c-'0')
	}
	return n
}
