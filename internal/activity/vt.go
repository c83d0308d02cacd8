package activity

// stripper removes terminal control sequences from a byte stream,
// keeping only text that would be visible on screen. It is stateful so
// sequences split across read chunks are handled.
type stripper struct {
	st     stripState
	skipLF bool
}

type stripState int

const (
	stText stripState = iota
	stEsc             // after ESC
	stCSI             // inside ESC [ ... final
	stOSC             // inside ESC ] ... BEL or ESC \
	stOSCEsc          // ESC seen inside an OSC/DCS string
	stDCS             // inside ESC P / X / ^ / _ ... ESC \
)

// strip returns the visible bytes of p. Carriage returns become
// newlines (a rewritten line still counts as new visible text); other
// C0 controls besides \n and \t are dropped.
func (v *stripper) strip(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for _, c := range p {
		switch v.st {
		case stText:
			switch {
			case c == 0x1b:
				v.st = stEsc
			case c == '\r':
				out = append(out, '\n')
				v.skipLF = true
				continue
			case c == '\n':
				if !v.skipLF {
					out = append(out, c)
				}
			case c == '\t':
				out = append(out, c)
			case c < 0x20 || c == 0x7f:
				// other C0 controls and DEL are invisible
			default:
				out = append(out, c)
			}
			v.skipLF = false

		case stEsc:
			switch c {
			case '[':
				v.st = stCSI
			case ']':
				v.st = stOSC
			case 'P', 'X', '^', '_':
				v.st = stDCS
			default:
				// two-byte sequence like ESC 7; consume and resume
				v.st = stText
			}

		case stCSI:
			// parameter and intermediate bytes are 0x20-0x3f; the
			// final byte 0x40-0x7e ends the sequence
			if c >= 0x40 && c <= 0x7e {
				v.st = stText
			}

		case stOSC, stDCS:
			switch c {
			case 0x07:
				v.st = stText
			case 0x1b:
				v.st = stOSCEsc
			}

		case stOSCEsc:
			// ESC \ (ST) ends the string; anything else returns to it
			if c == '\\' {
				v.st = stText
			} else {
				v.st = stOSC
			}
		}
	}
	return out
}
