// Package descriptor holds the biometric descriptor cache: face
// embeddings for user profile photos and department classroom photo
// sets, keyed by content fingerprints so stale entries self-heal.
package descriptor

import "math"

// Length is the fixed embedding size for one detected face.
const Length = 128

// Descriptor is a fixed-length face embedding.
type Descriptor []float32

// EuclideanDistance returns the L2 distance between two descriptors.
// Mismatched or empty inputs yield +Inf so they can never match.
func EuclideanDistance(a, b Descriptor) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Similarity maps a distance to [0,1] as 1 - distance, clamped at 0.
func Similarity(distance float64) float64 {
	s := 1 - distance
	if s < 0 {
		return 0
	}
	return s
}
