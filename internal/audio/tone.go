package audio

import (
	"math"
	"time"
)

// DTMF keypad frequencies in Hz.
var (
	dtmfRowFreq = [4]float64{697, 770, 852, 941}
	dtmfColFreq = [4]float64{1209, 1336, 1477, 1633}
)

// dtmfKeys maps keypad characters to their row and column index.
var dtmfKeys = map[byte][2]int{
	'1': {0, 0}, '2': {0, 1}, '3': {0, 2}, 'A': {0, 3},
	'4': {1, 0}, '5': {1, 1}, '6': {1, 2}, 'B': {1, 3},
	'7': {2, 0}, '8': {2, 1}, '9': {2, 2}, 'C': {2, 3},
	'*': {3, 0}, '0': {3, 1}, '#': {3, 2}, 'D': {3, 3},
}

// Tone generates a pure sine tone as 16-bit linear PCM at 8 kHz.
// amplitude is relative to full scale (0..1).
func Tone(freq float64, dur time.Duration, amplitude float64) []int16 {
	n := int(float64(SampleRate) * dur.Seconds())
	pcm := make([]int16, n)
	scale := amplitude * 32767
	for i := range pcm {
		pcm[i] = int16(scale * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return pcm
}

// DTMFTone generates the dual-frequency tone for a keypad digit as
// 16-bit linear PCM at 8 kHz. Returns false if the digit is not a
// keypad character.
func DTMFTone(digit byte, dur time.Duration) ([]int16, bool) {
	rc, ok := dtmfKeys[digit]
	if !ok {
		return nil, false
	}
	row := dtmfRowFreq[rc[0]]
	col := dtmfColFreq[rc[1]]

	n := int(float64(SampleRate) * dur.Seconds())
	pcm := make([]int16, n)
	for i := range pcm {
		t := float64(i) / SampleRate
		// Each component below half scale so the sum never clips.
		s := 0.45*math.Sin(2*math.Pi*row*t) + 0.45*math.Sin(2*math.Pi*col*t)
		pcm[i] = int16(s * 32767)
	}
	return pcm, true
}

// Silence generates a u-law silence payload of the given duration.
func Silence(dur time.Duration) []byte {
	n := int(float64(SampleRate) * dur.Seconds())
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = SilenceULaw
	}
	return buf
}

// Beep generates the standard record-prompt beep (1 kHz, 300 ms) as a
// u-law payload.
func Beep() []byte {
	return LinearToULaw(Tone(1000, 300*time.Millisecond, 0.5))
}
