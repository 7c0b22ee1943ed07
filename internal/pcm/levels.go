package pcm

import "math"

// MinDB is the floor reported for silence.
const MinDB = -60.0

// Levels holds RMS and peak level of one buffer in dBFS.
type Levels struct {
	RMS   float64 `json:"rms"`
	Peak  float64 `json:"peak"`
	Clips int     `json:"clips,omitzero"`
}

// clipThreshold catches samples at or near full scale.
const clipThreshold = 0.9997

// Measure computes the levels of a float buffer. Full scale is 1.0.
func Measure(samples []float32) Levels {
	if len(samples) == 0 {
		return Levels{RMS: MinDB, Peak: MinDB}
	}

	var sumSquares, peak float64
	clips := 0
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
		a := math.Abs(v)
		if a > peak {
			peak = a
		}
		if a >= clipThreshold {
			clips++
		}
	}

	rms := math.Sqrt(sumSquares / float64(len(samples)))
	return Levels{
		RMS:   ToDB(rms),
		Peak:  ToDB(peak),
		Clips: clips,
	}
}

// ToDB converts a linear amplitude to dBFS, floored at MinDB.
func ToDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return MinDB
	}
	return max(20*math.Log10(amplitude), MinDB)
}
