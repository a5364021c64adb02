package capture

import (
	"encoding/binary"
	"math"
)

// Analyser computes a normalized loudness value from PCM frames the way a
// frequency-domain analyser with byte-valued bins does: transform a fixed
// window, scale each magnitude bin to 0..255, average, normalize to [0,1].
type Analyser struct {
	fftSize int
}

func NewAnalyser(fftSize int) *Analyser {
	return &Analyser{fftSize: fftSize}
}

// Level analyses one frame. Frames shorter than the transform window are
// zero-padded.
func (a *Analyser) Level(pcm []byte) float64 {
	n := a.fftSize
	samples := make([]float64, n)
	for i := 0; i < n && i*2+1 < len(pcm); i++ {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}

	bins := n / 2
	var sum float64
	for k := 0; k < bins; k++ {
		var re, im float64
		for t := 0; t < n; t++ {
			angle := -2 * math.Pi * float64(k) * float64(t) / float64(n)
			re += samples[t] * math.Cos(angle)
			im += samples[t] * math.Sin(angle)
		}
		magnitude := math.Sqrt(re*re+im*im) / float64(n)
		bin := math.Min(255, magnitude*2*255)
		sum += bin
	}
	level := sum / float64(bins) / 255
	if level > 1 {
		level = 1
	}
	return level
}
