package media

import (
	"math"

	"github.com/wirepbx/wirepbx/internal/audio"
)

// Goertzel DTMF detection over 8 kHz audio.
//
// Frames are 205 samples: the smallest block length where every DTMF
// frequency lands within half a bin of an integer bin index, keeping
// per-tone leakage low without windowing.
const (
	goertzelBlockSize = 205

	// minToneBytes is the audio that must accumulate before detection
	// starts. 1600 bytes of G.711 is 200 ms, enough to cover the
	// minimum tone duration plus guard time.
	minToneBytes = 1600

	// magnitudeFloor is the minimum squared Goertzel magnitude (for
	// samples normalized to -1..1) that counts as a present tone. A
	// matched tone at 10 % of full scale scores about 105.
	magnitudeFloor = 100.0

	// dominanceRatio is how much the strongest row and column tones
	// must exceed the runner-up, compared on squared magnitudes
	// (equivalent to about 1.74 on linear magnitudes).
	dominanceRatio = 3.0
)

// dtmfFreqs are the row (low) then column (high) tone frequencies.
var dtmfFreqs = [8]float64{697, 770, 852, 941, 1209, 1336, 1477, 1633}

// dtmfDigits maps [row][col] to the keypad character.
var dtmfDigits = [4][4]byte{
	{'1', '2', '3', 'A'},
	{'4', '5', '6', 'B'},
	{'7', '8', '9', 'C'},
	{'*', '0', '#', 'D'},
}

// goertzelCoef holds the per-tone recurrence coefficients,
// 2*cos(2*pi*k/N) with k the nearest integer bin for each frequency.
var goertzelCoef = func() [8]float64 {
	var coef [8]float64
	for i, f := range dtmfFreqs {
		k := math.Round(goertzelBlockSize * f / audio.SampleRate)
		coef[i] = 2 * math.Cos(2*math.Pi*k/goertzelBlockSize)
	}
	return coef
}()

// goertzelMagnitudes runs the Goertzel recurrence for all 8 DTMF tones
// over one frame, returning squared magnitudes.
func goertzelMagnitudes(frame []float64) [8]float64 {
	var mags [8]float64
	for t := 0; t < 8; t++ {
		coef := goertzelCoef[t]
		var q1, q2 float64
		for _, s := range frame {
			q0 := coef*q1 - q2 + s
			q2 = q1
			q1 = q0
		}
		mags[t] = q1*q1 + q2*q2 - q1*q2*coef
	}
	return mags
}

// detectFrame decides the digit present in one 205-sample frame, or 0.
// A digit requires exactly one dominant row tone and one dominant
// column tone: each above the absolute floor and ahead of the
// second-strongest candidate in its group by the dominance ratio.
func detectFrame(frame []float64) byte {
	mags := goertzelMagnitudes(frame)

	best := func(group []float64) (idx int, first, second float64) {
		idx = 0
		for i, m := range group {
			if m > first {
				second = first
				first = m
				idx = i
			} else if m > second {
				second = m
			}
		}
		return idx, first, second
	}

	row, rowMag, rowSecond := best(mags[:4])
	col, colMag, colSecond := best(mags[4:])

	if rowMag < magnitudeFloor || colMag < magnitudeFloor {
		return 0
	}
	if rowSecond > 0 && rowMag < rowSecond*dominanceRatio {
		return 0
	}
	if colSecond > 0 && colMag < colSecond*dominanceRatio {
		return 0
	}

	return dtmfDigits[row][col]
}

// DTMFDetector detects in-band DTMF in a G.711 audio stream. Feed
// payloads as they arrive and poll Next for debounced digits: the same
// digit spanning consecutive frames is reported once until a silent
// frame intervenes.
//
// Not safe for concurrent use; each stream gets its own detector.
type DTMFDetector struct {
	pending  []float64
	fedBytes int
	last     byte // digit seen in the previous frame, 0 for silence
	queue    []byte
}

// NewDTMFDetector creates a detector for one audio stream.
func NewDTMFDetector() *DTMFDetector {
	return &DTMFDetector{}
}

// FeedULaw appends a u-law payload to the detection buffer.
func (d *DTMFDetector) FeedULaw(payload []byte) {
	for _, s := range audio.ULawToLinear(payload) {
		d.pending = append(d.pending, float64(s)/32768)
	}
	d.fedBytes += len(payload)
	d.process()
}

// FeedALaw appends an A-law payload to the detection buffer.
func (d *DTMFDetector) FeedALaw(payload []byte) {
	for _, s := range audio.ALawToLinear(payload) {
		d.pending = append(d.pending, float64(s)/32768)
	}
	d.fedBytes += len(payload)
	d.process()
}

// process consumes complete frames once enough audio has accumulated.
func (d *DTMFDetector) process() {
	if d.fedBytes < minToneBytes {
		return
	}
	for len(d.pending) >= goertzelBlockSize {
		digit := detectFrame(d.pending[:goertzelBlockSize])
		d.pending = d.pending[goertzelBlockSize:]

		if digit != 0 && digit != d.last {
			d.queue = append(d.queue, digit)
		}
		d.last = digit
	}
}

// Next pops the oldest detected digit, or 0 when none is queued.
func (d *DTMFDetector) Next() byte {
	if len(d.queue) == 0 {
		return 0
	}
	digit := d.queue[0]
	d.queue = d.queue[1:]
	return digit
}

// Reset discards buffered audio, queued digits and debounce state.
// Called after a digit is acted on so the echo of the tone is not
// detected as a second keypress.
func (d *DTMFDetector) Reset() {
	d.pending = d.pending[:0]
	d.queue = d.queue[:0]
	d.fedBytes = 0
	d.last = 0
}
