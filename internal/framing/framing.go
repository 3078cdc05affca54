// Package framing assembles a per-characteristic byte stream into discrete
// application messages using configurable start/delimiter byte patterns, and
// builds outbound frames for writes.
package framing

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/cornelk/hashmap"
)

// ParsePattern converts a framing configuration string into the byte sequence
// it denotes. Recognized escapes are \n, \r, \xHH and \\; any other character
// (including an unrecognized escape) is taken literally. "\r\n" therefore
// parses as the two-byte CRLF sequence.
func ParsePattern(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			out = append(out, c)
			continue
		}
		switch s[i+1] {
		case 'n':
			out = append(out, '\n')
			i++
		case 'r':
			out = append(out, '\r')
			i++
		case 't':
			out = append(out, '\t')
			i++
		case '\\':
			out = append(out, '\\')
			i++
		case 'x', 'X':
			if i+3 < len(s) {
				if b, err := hex.DecodeString(strings.ToLower(s[i+2 : i+4])); err == nil {
					out = append(out, b[0])
					i += 3
					continue
				}
			}
			// Malformed \x escape: keep the backslash literally
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

// BuildFrame wraps a payload with start and delimiter patterns for send.
// Either pattern may be empty.
func BuildFrame(payload, start, delimiter []byte) []byte {
	frame := make([]byte, 0, len(start)+len(payload)+len(delimiter))
	frame = append(frame, start...)
	frame = append(frame, payload...)
	frame = append(frame, delimiter...)
	return frame
}

// Decoder accumulates inbound bytes per characteristic key and splits them on
// a delimiter byte sequence. Keys are of the form
// "deviceID:serviceUUID:charUUID"; key spaces are disjoint by construction so
// buffers never span devices or characteristics.
type Decoder struct {
	buffers *hashmap.Map[string, []byte]
}

// NewDecoder creates an empty Decoder
func NewDecoder() *Decoder {
	return &Decoder{buffers: hashmap.New[string, []byte]()}
}

// Feed appends data to the buffer stored under key and extracts every
// complete message.
//
// With an empty delimiter the decoder is in pass-through mode: the whole
// accumulated buffer is emitted as a single message and the stored remainder
// becomes empty. Otherwise the buffer is scanned for full occurrences of the
// delimiter; each preceding span (possibly zero-length, for adjacent
// delimiters) is emitted as a message with the delimiter discarded, and the
// unmatched tail is retained for the next call. A delimiter split across two
// Feed calls is handled naturally because the tail is retained.
//
// Bytes are assumed to arrive in send order for a given key; the decoder does
// no reordering.
func (d *Decoder) Feed(key string, data, delimiter []byte) (messages [][]byte, remainder []byte) {
	buf, _ := d.buffers.Get(key)
	buf = append(buf, data...)

	if len(delimiter) == 0 {
		d.buffers.Del(key)
		if len(buf) == 0 {
			return nil, nil
		}
		return [][]byte{buf}, nil
	}

	for {
		idx := bytes.Index(buf, delimiter)
		if idx < 0 {
			break
		}
		msg := make([]byte, idx)
		copy(msg, buf[:idx])
		messages = append(messages, msg)
		buf = buf[idx+len(delimiter):]
	}

	remainder = make([]byte, len(buf))
	copy(remainder, buf)
	if len(remainder) == 0 {
		d.buffers.Del(key)
	} else {
		d.buffers.Set(key, remainder)
	}
	return messages, remainder
}

// Pending returns a copy of the unconsumed tail stored under key
func (d *Decoder) Pending(key string) []byte {
	buf, ok := d.buffers.Get(key)
	if !ok {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// Reset discards the buffer stored under key
func (d *Decoder) Reset(key string) {
	d.buffers.Del(key)
}

// ResetPrefix discards every buffer whose key starts with prefix. Used to
// drop all of a device's partial input on disconnect.
func (d *Decoder) ResetPrefix(prefix string) {
	var stale []string
	d.buffers.Range(func(key string, _ []byte) bool {
		if strings.HasPrefix(key, prefix) {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		d.buffers.Del(key)
	}
}
