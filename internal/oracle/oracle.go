// Package oracle delegates identity matching to a hosted multimodal model.
// The service never runs vision code of its own; it trusts the model's
// boolean/confidence answer and leaves threshold decisions to callers.
package oracle

import (
	"context"
	"errors"
)

// Result is the model's verdict on a pair of face images.
type Result struct {
	IsMatch    bool    `json:"isMatch"`
	Confidence float64 `json:"confidence"`
}

// Oracle compares a live capture against a stored faceprint. Implementations
// are treated as pure and stateless per call.
type Oracle interface {
	Compare(ctx context.Context, livePhoto, storedFaceprint string) (Result, error)
}

// ErrNoResult is returned when the model answered but produced no usable
// verdict.
var ErrNoResult = errors.New("face comparison produced no result")
