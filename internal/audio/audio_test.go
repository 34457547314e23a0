package audio

import (
	"bytes"
	"testing"
)

func TestMulawRoundTripKeepsSign(t *testing.T) {
	for _, s := range []int16{0, 100, -100, 1000, -1000, 30000, -30000} {
		got := DecodeMulaw(EncodeMulaw([]int16{s}))[0]
		if (s > 0 && got <= 0) || (s < 0 && got >= 0) {
			t.Errorf("sample %d decoded to %d, sign lost", s, got)
		}
		diff := int(got) - int(s)
		if diff < 0 {
			diff = -diff
		}
		limit := int(s) / 16
		if limit < 0 {
			limit = -limit
		}
		if diff > limit+8 {
			t.Errorf("sample %d decoded to %d, error %d too large", s, got, diff)
		}
	}
}

func TestSilenceByteDecodesToZero(t *testing.T) {
	if got := DecodeMulaw([]byte{SilenceByte})[0]; got != 0 {
		t.Errorf("expected silence byte to decode to 0, got %d", got)
	}
}

func TestResampleDoublesLength(t *testing.T) {
	in := make([]int16, 160)
	out := Resample(in, TelephonyRate, SpeechRate)
	if len(out) != 320 {
		t.Errorf("expected 320 samples, got %d", len(out))
	}
}

func TestFramesPadsLastFrame(t *testing.T) {
	frames := Frames(bytes.Repeat([]byte{0x10}, 200))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	last := frames[1]
	if len(last) != FrameBytes {
		t.Fatalf("expected padded frame of %d bytes, got %d", FrameBytes, len(last))
	}
	if last[39] != 0x10 || last[40] != SilenceByte {
		t.Errorf("expected padding to start at byte 40")
	}
}

func TestWAVHeader(t *testing.T) {
	w := WAV(make([]byte, 10), SpeechRate)
	if len(w) != 54 {
		t.Fatalf("expected 54 bytes, got %d", len(w))
	}
	if string(w[0:4]) != "RIFF" || string(w[8:12]) != "WAVE" || string(w[36:40]) != "data" {
		t.Errorf("malformed header: %q", w[:44])
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Error("expected 0 for empty input")
	}
	if got := RMS([]int16{1000, -1000}); got != 1000 {
		t.Errorf("expected 1000, got %f", got)
	}
}
