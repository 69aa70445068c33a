package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestFeedSingleFrame(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte{0x94, 0x93, 0x00, 0x03, 0x01, 0x02, 0x03})
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0].Payload, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("payload mismatch: %v", frames[0].Payload)
	}
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", d.Buffered())
	}
}

func TestFeedGarbagePrefixResync(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte{0x00, 0x94, 0x93, 0x00, 0x01, 0xFF})
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0].Payload, []byte{0xFF}) {
		t.Fatalf("payload mismatch: %v", frames[0].Payload)
	}
	if d.Discarded != 1 {
		t.Fatalf("expected 1 discarded byte, got %d", d.Discarded)
	}
}

func TestFeedChunkBoundaryIndependence(t *testing.T) {
	payloads := [][]byte{
		{0x01},
		{},
		{0xDE, 0xAD, 0xBE, 0xEF},
		{0x94, 0x00, 0x93}, // sentinel-ish bytes inside a payload
	}
	var stream []byte
	for _, p := range payloads {
		enc, err := Encode(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, enc...)
	}

	var whole Decoder
	want := whole.Feed(stream)
	if len(want) != len(payloads) {
		t.Fatalf("contiguous feed: expected %d frames, got %d", len(payloads), len(want))
	}

	for chunk := 1; chunk <= len(stream); chunk++ {
		var d Decoder
		var got []Frame
		for i := 0; i < len(stream); i += chunk {
			end := i + chunk
			if end > len(stream) {
				end = len(stream)
			}
			got = append(got, d.Feed(stream[i:end])...)
		}
		if len(got) != len(want) {
			t.Fatalf("chunk=%d: expected %d frames, got %d", chunk, len(want), len(got))
		}
		for i := range got {
			if !bytes.Equal(got[i].Payload, want[i].Payload) {
				t.Fatalf("chunk=%d frame=%d payload mismatch", chunk, i)
			}
		}
	}
}

func TestFeedPartialThenComplete(t *testing.T) {
	var d Decoder
	if frames := d.Feed([]byte{0x94, 0x93, 0x00}); len(frames) != 0 {
		t.Fatalf("incomplete header yielded %d frames", len(frames))
	}
	if frames := d.Feed([]byte{0x02, 0xAA}); len(frames) != 0 {
		t.Fatalf("incomplete payload yielded %d frames", len(frames))
	}
	frames := d.Feed([]byte{0xBB})
	if len(frames) != 1 || !bytes.Equal(frames[0].Payload, []byte{0xAA, 0xBB}) {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0x94, 0x93}, // sentinel bytes as payload content
		bytes.Repeat([]byte{0x5A}, MaxPayloadLen),
	}
	for _, p := range payloads {
		enc, err := Encode(p)
		if err != nil {
			t.Fatalf("encode len=%d: %v", len(p), err)
		}
		var d Decoder
		frames := d.Feed(enc)
		if len(frames) != 1 {
			t.Fatalf("len=%d: expected 1 frame, got %d", len(p), len(frames))
		}
		if !bytes.Equal(frames[0].Payload, p) {
			t.Fatalf("len=%d: round trip mismatch", len(p))
		}
	}
}

func TestEncodeOversizedPayload(t *testing.T) {
	_, err := Encode(make([]byte, MaxPayloadLen+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestBackToBackFramesSingleFeed(t *testing.T) {
	a, _ := Encode([]byte{0x01})
	b, _ := Encode([]byte{0x02, 0x03})
	var d Decoder
	frames := d.Feed(append(a, b...))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0].Payload, []byte{0x01}) || !bytes.Equal(frames[1].Payload, []byte{0x02, 0x03}) {
		t.Fatalf("payload mismatch: %+v", frames)
	}
}

func TestResetDropsPartialState(t *testing.T) {
	var d Decoder
	d.Feed([]byte{0x94, 0x93, 0x00, 0x05, 0x01})
	d.Reset()
	if d.Buffered() != 0 {
		t.Fatalf("expected empty buffer after reset")
	}
	frames := d.Feed([]byte{0x94, 0x93, 0x00, 0x01, 0x07})
	if len(frames) != 1 || !bytes.Equal(frames[0].Payload, []byte{0x07}) {
		t.Fatalf("decoder unusable after reset: %+v", frames)
	}
}
