package vectorstore

import "math"

// Calibration maps a backend distance to a similarity score in [0,1].
type Calibration func(distance float64) float64

// CosineDistance maps cosine distance in [0,2] linearly onto [1,0].
func CosineDistance(distance float64) float64 {
	return clamp01(1 - distance/2)
}

// CosineSimilarity treats 1-distance as the cosine similarity and clips negative
// similarities to zero.
func CosineSimilarity(distance float64) float64 {
	return clamp01(1 - distance)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
