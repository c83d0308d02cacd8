package worker

import (
	"bytes"
	"unicode/utf8"
)

// replacement is what invalid byte sequences become on the wire.
var replacement = []byte("�")

// utf8Stream turns an arbitrary byte stream into valid UTF-8 chunks.
// A multi-byte rune split across reads is held back until the rest of
// it arrives; genuinely invalid bytes become U+FFFD. All offsets
// downstream count the normalized bytes, so JSON string length and
// buffer offsets agree.
type utf8Stream struct {
	pend []byte
}

func (u *utf8Stream) normalize(p []byte) []byte {
	data := p
	if len(u.pend) > 0 {
		data = append(u.pend, p...)
		u.pend = nil
	}

	// Hold back a trailing rune fragment (at most 3 bytes): walk back
	// to the last start byte and check whether the sequence it
	// announces extends past the end of the chunk.
	cut := len(data)
	for back := 1; back <= utf8.UTFMax-1 && back <= len(data); back++ {
		b := data[len(data)-back]
		if b < utf8.RuneSelf {
			break
		}
		if !utf8.RuneStart(b) {
			continue
		}
		if runeLen(b) > back {
			cut = len(data) - back
		}
		break
	}
	if cut < len(data) {
		u.pend = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	if len(data) == 0 {
		return nil
	}
	return bytes.ToValidUTF8(data, replacement)
}

// flush releases any held-back fragment, normalized. Called at exit so
// a stream ending mid-rune still accounts for its last bytes.
func (u *utf8Stream) flush() []byte {
	if len(u.pend) == 0 {
		return nil
	}
	out := bytes.ToValidUTF8(u.pend, replacement)
	u.pend = nil
	return out
}

// runeLen returns the sequence length a UTF-8 start byte announces.
func runeLen(b byte) int {
	switch {
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}
