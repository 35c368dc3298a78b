// Package detector provides the object-detection capability consumed by the
// pipeline.
package detector

import (
	"context"
	"errors"
	"image"

	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

var (
	// ErrDetection marks a single-frame inference failure.
	ErrDetection = errors.New("detection failed")
	// ErrUnavailable marks a detector that cannot run at all (missing model,
	// unreachable inference server). The pipeline falls back to degraded mode.
	ErrUnavailable = errors.New("detector unavailable")
)

// Detector finds objects in one image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.BoundingBox, error)
}

// Func adapts a function to Detector.
type Func func(ctx context.Context, img image.Image) ([]types.BoundingBox, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	return f(ctx, img)
}

// Capability is either an available detector or the reason none is
// available. Each pipeline holds its own value.
type Capability struct {
	det    Detector
	reason error
}

// Available wraps a working detector.
func Available(det Detector) Capability {
	if det == nil {
		return Unavailable(ErrUnavailable)
	}
	return Capability{det: det}
}

// Unavailable records why detection cannot run. reason is wrapped so that
// errors.Is(c.Reason(), ErrUnavailable) holds.
func Unavailable(reason error) Capability {
	switch {
	case reason == nil:
		reason = ErrUnavailable
	case !errors.Is(reason, ErrUnavailable):
		reason = errors.Join(ErrUnavailable, reason)
	}
	return Capability{reason: reason}
}

// Available reports whether a detector is present.
func (c Capability) Available() bool {
	return c.det != nil
}

// Detector returns the detector, nil when unavailable.
func (c Capability) Detector() Detector {
	return c.det
}

// Reason returns why the capability is unavailable, nil otherwise.
func (c Capability) Reason() error {
	if c.det != nil {
		return nil
	}
	return c.reason
}

// String is used in logs and the status API.
func (c Capability) String() string {
	if c.det != nil {
		return "available"
	}
	return "unavailable"
}
