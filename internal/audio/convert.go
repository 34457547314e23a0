package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Resample converts samples between rates with linear interpolation.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, n)
	step := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac)
	}
	return out
}

// MulawToSpeechPCM turns inbound telephony audio into 16 kHz PCM bytes.
func MulawToSpeechPCM(mulaw []byte) []byte {
	return PCMBytes(Resample(DecodeMulaw(mulaw), TelephonyRate, SpeechRate))
}

// PCMToMulaw turns PCM bytes at rate into telephony mu-law.
func PCMToMulaw(pcm []byte, rate int) []byte {
	return EncodeMulaw(Resample(PCMSamples(pcm), rate, TelephonyRate))
}

// RMS returns the root mean square energy of the samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Frames splits mu-law audio into 20 ms frames, padding the last with silence.
func Frames(mulaw []byte) [][]byte {
	var frames [][]byte
	for i := 0; i < len(mulaw); i += FrameBytes {
		end := i + FrameBytes
		if end <= len(mulaw) {
			frames = append(frames, mulaw[i:end])
			continue
		}
		frame := bytes.Repeat([]byte{SilenceByte}, FrameBytes)
		copy(frame, mulaw[i:])
		frames = append(frames, frame)
	}
	return frames
}

// Tone renders a sine tone as mono 16-bit samples.
func Tone(freq float64, seconds float64, rate int, amplitude float64) []int16 {
	n := int(seconds * float64(rate))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// WAV wraps 16-bit mono PCM in a RIFF/WAVE container.
func WAV(pcm []byte, rate int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
