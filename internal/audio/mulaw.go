// Package audio converts between the telephony wire format (8 kHz G.711
// mu-law) and 16-bit linear PCM used by the speech stages.
package audio

import (
	"encoding/binary"
)

const (
	// TelephonyRate is the sample rate of the media stream
	TelephonyRate = 8000
	// SpeechRate is the sample rate recognizers expect
	SpeechRate = 16000
	// FrameBytes is one 20 ms mu-law frame at 8 kHz
	FrameBytes = 160
	// SilenceByte is mu-law encoded zero
	SilenceByte = 0xFF

	mulawBias = 0x84
	mulawClip = 32635
)

// DecodeMulaw converts mu-law bytes to 16-bit samples.
func DecodeMulaw(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = mulawToLinear(b)
	}
	return out
}

// EncodeMulaw converts 16-bit samples to mu-law bytes.
func EncodeMulaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = linearToMulaw(s)
	}
	return out
}

func mulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func linearToMulaw(s int16) byte {
	sample := int32(s)
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias
	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// PCMBytes serializes samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMSamples parses little-endian 16-bit PCM. A trailing odd byte is dropped.
func PCMSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
