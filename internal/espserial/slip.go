// Package espserial implements the flasher Transport over a USB serial port,
// speaking the ESP ROM bootloader protocol: SLIP-framed commands for sync,
// flash writes, erase, and register reads.
package espserial

import (
	"fmt"
	"io"
)

// SLIP framing bytes.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

// slipEncode wraps a packet in SLIP framing, escaping 0xC0 and 0xDB.
func slipEncode(packet []byte) []byte {
	out := make([]byte, 0, len(packet)+2)
	out = append(out, slipEnd)
	for _, b := range packet {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// slipReader extracts SLIP frames from a byte stream.
type slipReader struct {
	r   io.Reader
	buf [256]byte
	// leftover holds bytes read past the end of the last frame.
	leftover []byte
}

func newSLIPReader(r io.Reader) *slipReader {
	return &slipReader{r: r}
}

// ReadFrame returns the payload of the next complete SLIP frame. Bytes
// outside frames (boot chatter) are discarded. An io.Reader that returns
// (0, nil) on timeout surfaces here as an error.
func (s *slipReader) ReadFrame() ([]byte, error) {
	var frame []byte
	inFrame := false
	esc := false

	next := func() (byte, error) {
		if len(s.leftover) > 0 {
			b := s.leftover[0]
			s.leftover = s.leftover[1:]
			return b, nil
		}
		n, err := s.r.Read(s.buf[:])
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("read timeout waiting for response")
		}
		s.leftover = append(s.leftover, s.buf[1:n]...)
		return s.buf[0], nil
	}

	for {
		b, err := next()
		if err != nil {
			return nil, err
		}

		if !inFrame {
			if b == slipEnd {
				inFrame = true
			}
			continue
		}

		switch {
		case esc:
			esc = false
			switch b {
			case slipEscEnd:
				frame = append(frame, slipEnd)
			case slipEscEsc:
				frame = append(frame, slipEsc)
			default:
				return nil, fmt.Errorf("invalid SLIP escape 0x%02x", b)
			}
		case b == slipEsc:
			esc = true
		case b == slipEnd:
			if len(frame) == 0 {
				// Back-to-back delimiters; keep waiting.
				continue
			}
			return frame, nil
		default:
			frame = append(frame, b)
		}
	}
}
