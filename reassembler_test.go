package framenet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func encodeFrameOrFatal(t *testing.T, layout HeaderLayout, protocol uint64, payload []byte) []byte {
	t.Helper()
	pkt, err := EncodeFrame(layout, protocol, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return pkt
}

func TestSplitFrameEveryBoundary(t *testing.T) {
	layout := HeaderLayout{HeaderLen: 6, ProtocolLen: 2}
	payload := []byte("hello world")
	pkt := encodeFrameOrFatal(t, layout, 9, payload)

	for cut := 1; cut < len(pkt); cut++ {
		rs, err := NewReassembler(layout)
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		frames, err := rs.Feed(pkt[:cut])
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		rest, err := rs.Feed(pkt[cut:])
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		frames = append(frames, rest...)
		if len(frames) != 1 {
			t.Fatalf("cut %d: got %d frames, want 1", cut, len(frames))
		}
		if frames[0].Protocol != 9 || !bytes.Equal(frames[0].Payload, payload) {
			t.Fatalf("cut %d: got (%d, %q)", cut, frames[0].Protocol, frames[0].Payload)
		}
	}
}

func TestByteAtATime(t *testing.T) {
	layout := HeaderLayout{HeaderLen: 8, ProtocolLen: 4}
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	pkt := encodeFrameOrFatal(t, layout, 70000, payload)

	rs, _ := NewReassembler(layout)
	var frames []Frame
	for i := range pkt {
		got, err := rs.Feed(pkt[i : i+1])
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		frames = append(frames, got...)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Protocol != 70000 || !bytes.Equal(frames[0].Payload, payload) {
		t.Fatalf("got (%d, %v)", frames[0].Protocol, frames[0].Payload)
	}
}

func TestMultiFrameOneChunk(t *testing.T) {
	layout := HeaderLayout{HeaderLen: 6, ProtocolLen: 2}
	first := encodeFrameOrFatal(t, layout, 1, []byte("first"))
	second := encodeFrameOrFatal(t, layout, 2, []byte("second"))

	rs, _ := NewReassembler(layout)
	frames, err := rs.Feed(append(append([]byte{}, first...), second...))
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Protocol != 1 || string(frames[0].Payload) != "first" {
		t.Fatalf("frame 0: (%d, %q)", frames[0].Protocol, frames[0].Payload)
	}
	if frames[1].Protocol != 2 || string(frames[1].Payload) != "second" {
		t.Fatalf("frame 1: (%d, %q)", frames[1].Protocol, frames[1].Payload)
	}
}

func TestZeroLengthBody(t *testing.T) {
	layout := HeaderLayout{HeaderLen: 6, ProtocolLen: 2}
	pkt := encodeFrameOrFatal(t, layout, 3, nil)

	rs, _ := NewReassembler(layout)
	frames, err := rs.Feed(pkt)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(frames) != 1 || frames[0].Protocol != 3 || len(frames[0].Payload) != 0 {
		t.Fatalf("got %+v", frames)
	}
}

func TestTruncationDiscardsPartialFrame(t *testing.T) {
	layout := HeaderLayout{HeaderLen: 6, ProtocolLen: 2}
	pkt := encodeFrameOrFatal(t, layout, 9, []byte("incomplete"))

	rs, _ := NewReassembler(layout)
	frames, err := rs.Feed(pkt[:len(pkt)-3])
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames from a partial body, want 0", len(frames))
	}
	if discarded := rs.Close(); discarded == 0 {
		t.Fatal("expected discarded bytes to be reported")
	}
	if rs.Pending() != 0 {
		t.Fatalf("pending %d after close, want 0", rs.Pending())
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	layout := HeaderLayout{HeaderLen: 6, ProtocolLen: 2}
	ok := encodeFrameOrFatal(t, layout, 1, []byte("fine"))
	hdr, err := AppendHeader(nil, layout, 2, MaxFramePayload+1)
	if err != nil {
		t.Fatalf("encode oversized header: %v", err)
	}

	rs, _ := NewReassembler(layout)
	frames, err := rs.Feed(append(append([]byte{}, ok...), hdr...))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "fine" {
		t.Fatalf("frames completed before the bad header must still be returned, got %+v", frames)
	}
}

func TestHugeLengthFieldRejected(t *testing.T) {
	// An 8-byte length field carrying a value that wraps negative as int
	// must fail cleanly instead of sizing a payload allocation from it.
	layout := HeaderLayout{HeaderLen: 10, ProtocolLen: 2}
	hdr := make([]byte, layout.HeaderLen)
	binary.BigEndian.PutUint16(hdr, 7)
	binary.BigEndian.PutUint64(hdr[2:], math.MaxUint64)

	rs, err := NewReassembler(layout)
	if err != nil {
		t.Fatalf("reassembler: %v", err)
	}
	frames, err := rs.Feed(hdr)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames from a poisoned header, want 0", len(frames))
	}
}

func BenchmarkReassembler(b *testing.B) {
	layout := HeaderLayout{HeaderLen: 8, ProtocolLen: 4}
	pkt, err := EncodeFrame(layout, 42, make([]byte, 256))
	if err != nil {
		b.Fatal(err)
	}
	rs, _ := NewReassembler(layout)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := rs.Feed(pkt); err != nil {
			b.Fatal(err)
		}
	}
}
