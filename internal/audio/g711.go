// Package audio implements the PBX audio engine: WAV reading and
// writing, G.711 companding, synthetic tone generation and IVR prompt
// resolution. All audio is 8 kHz mono; G.711 payloads are 1 byte per
// sample, linear PCM is 16-bit.
package audio

import (
	"github.com/zaf/g711"
)

// G.711 silence bytes (encoded zero amplitude).
const (
	SilenceULaw = 0xFF
	SilenceALaw = 0xD5
)

// ULawToLinear decodes a u-law payload to 16-bit linear PCM samples.
func ULawToLinear(ulaw []byte) []int16 {
	pcm := make([]int16, len(ulaw))
	for i, b := range ulaw {
		pcm[i] = g711.DecodeUlawFrame(b)
	}
	return pcm
}

// LinearToULaw encodes 16-bit linear PCM samples as a u-law payload.
func LinearToULaw(pcm []int16) []byte {
	ulaw := make([]byte, len(pcm))
	for i, s := range pcm {
		ulaw[i] = g711.EncodeUlawFrame(s)
	}
	return ulaw
}

// ALawToLinear decodes an A-law payload to 16-bit linear PCM samples.
func ALawToLinear(alaw []byte) []int16 {
	pcm := make([]int16, len(alaw))
	for i, b := range alaw {
		pcm[i] = g711.DecodeAlawFrame(b)
	}
	return pcm
}

// LinearToALaw encodes 16-bit linear PCM samples as an A-law payload.
func LinearToALaw(pcm []int16) []byte {
	alaw := make([]byte, len(pcm))
	for i, s := range pcm {
		alaw[i] = g711.EncodeAlawFrame(s)
	}
	return alaw
}

// ALawToULaw transcodes an A-law payload directly to u-law.
func ALawToULaw(alaw []byte) []byte {
	return g711.Alaw2Ulaw(alaw)
}

// ULawToALaw transcodes a u-law payload directly to A-law.
func ULawToALaw(ulaw []byte) []byte {
	return g711.Ulaw2Alaw(ulaw)
}
