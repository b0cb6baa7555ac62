package pipeline

import "math"

// DefaultSilenceThreshold is roughly -40 dBFS.
const DefaultSilenceThreshold = 0.01

// Levels are the per-frame metrics. They depend only on the samples.
type Levels struct {
	Peak   float64
	RMS    float64
	Silent bool
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
	}
	return peak
}

// RMS returns the root mean square of samples, 0 for an empty frame.
func RMS(samples []float32) float64 {
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

// Measure computes all levels in one call. A frame is silent when its peak
// is below threshold.
func Measure(samples []float32, threshold float64) Levels {
	peak := Peak(samples)
	return Levels{
		Peak:   peak,
		RMS:    RMS(samples),
		Silent: peak < threshold,
	}
}

// DBFS converts a linear amplitude to decibels relative to full scale.
func DBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(amplitude)
}
