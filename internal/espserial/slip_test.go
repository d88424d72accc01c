package espserial

import (
	"bytes"
	"errors"
	"testing"
)

func TestSLIPEncodeEscapes(t *testing.T) {
	in := []byte{0x01, 0xC0, 0x02, 0xDB, 0x03}
	want := []byte{0xC0, 0x01, 0xDB, 0xDC, 0x02, 0xDB, 0xDD, 0x03, 0xC0}
	got := slipEncode(in)
	if !bytes.Equal(got, want) {
		t.Errorf("slipEncode = % x, want % x", got, want)
	}
}

func TestSLIPRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x00},
		{0xC0, 0xC0, 0xDB},
		{0x01, 0x08, 0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x07, 0x07, 0x12, 0x20},
	}
	for _, p := range payloads {
		r := newSLIPReader(bytes.NewReader(slipEncode(p)))
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame(% x): %v", p, err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("round trip % x -> % x", p, got)
		}
	}
}

func TestSLIPReaderSkipsNoise(t *testing.T) {
	// Boot chatter before the first delimiter must be discarded.
	stream := append([]byte("ets Jun  8 2016\r\n"), slipEncode([]byte{0xAA, 0xBB})...)
	r := newSLIPReader(bytes.NewReader(stream))
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Errorf("frame = % x", got)
	}
}

func TestSLIPReaderMultipleFrames(t *testing.T) {
	stream := append(slipEncode([]byte{0x01}), slipEncode([]byte{0x02, 0x03})...)
	r := newSLIPReader(bytes.NewReader(stream))

	first, err := r.ReadFrame()
	if err != nil || !bytes.Equal(first, []byte{0x01}) {
		t.Fatalf("first frame = % x, %v", first, err)
	}
	second, err := r.ReadFrame()
	if err != nil || !bytes.Equal(second, []byte{0x02, 0x03}) {
		t.Fatalf("second frame = % x, %v", second, err)
	}
}

func TestChecksum(t *testing.T) {
	if got := checksum(nil); got != 0xEF {
		t.Errorf("empty checksum = 0x%02x, want seed 0xEF", got)
	}
	// Seed xor 0xEF cancels out.
	if got := checksum([]byte{0xEF}); got != 0x00 {
		t.Errorf("checksum(0xEF) = 0x%02x, want 0", got)
	}
	if got := checksum([]byte{0x01, 0x02}); got != 0xEF^0x01^0x02 {
		t.Errorf("checksum = 0x%02x", got)
	}
}

func TestParseResponse(t *testing.T) {
	// value 0x00F01D83, empty body, ok status.
	frame := []byte{0x01, 0x0A, 0x04, 0x00, 0x83, 0x1D, 0xF0, 0x00, 0x00, 0x00, 0x00, 0x00}
	value, body, matched, err := parseResponse(frame, 0x0A)
	if !matched || err != nil {
		t.Fatalf("matched=%v err=%v", matched, err)
	}
	if value != 0x00F01D83 {
		t.Errorf("value = 0x%08x", value)
	}
	if len(body) != 0 {
		t.Errorf("body = % x, want empty", body)
	}

	// Wrong opcode is skipped, not an error.
	if _, _, matched, _ := parseResponse(frame, 0x02); matched {
		t.Error("response for 0x0A matched request 0x02")
	}

	// Failure status surfaces as StatusError with the code.
	bad := []byte{0x01, 0x03, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x07, 0x00, 0x00}
	_, _, matched, err = parseResponse(bad, 0x03)
	if !matched {
		t.Fatal("failure response not matched")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 0x07 {
		t.Errorf("err = %v, want StatusError code 0x07", err)
	}
}
