// Package facedetect defines the boundary to the external face detector.
package facedetect

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/photo-verify/internal/verification"
)

// ErrInvalidProbability is returned when a detector reports a value outside [0,1].
var ErrInvalidProbability = errors.New("probability out of range")

// Provider detects faces in an encoded image. An empty slice means no face.
type Provider interface {
	DetectFaces(ctx context.Context, image []byte) ([]verification.FaceAttributes, error)
}

// Verify runs the detector on image and decides on the first face found.
// Detector errors are folded into a failed result so callers always get a value.
func Verify(ctx context.Context, provider Provider, image []byte) verification.Result {
	faces, err := provider.DetectFaces(ctx, image)
	if err != nil {
		return verification.Failed(err)
	}
	if len(faces) == 0 {
		return verification.Decide(nil)
	}
	return verification.Decide(&faces[0])
}

// ParseProbability validates a detector estimate.
func ParseProbability(field string, v float64) (verification.Probability, error) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return verification.Unavailable(), fmt.Errorf("%s=%v: %w", field, v, ErrInvalidProbability)
	}
	return verification.Known(v), nil
}
