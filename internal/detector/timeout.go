package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

type timeoutDetector struct {
	det     Detector
	timeout time.Duration
}

// WithTimeout bounds each Detect call. Calls that exceed d fail with
// ErrDetection wrapping context.DeadlineExceeded, and every error from det is
// wrapped in ErrDetection. A non-positive d only adds the wrapping.
func WithTimeout(det Detector, d time.Duration) Detector {
	return &timeoutDetector{det: det, timeout: d}
}

type detectResult struct {
	boxes []types.BoundingBox
	err   error
}

func (t *timeoutDetector) Detect(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	// The detector may ignore ctx, so the wait happens here.
	done := make(chan detectResult, 1)
	go func() {
		boxes, err := t.det.Detect(ctx, img)
		done <- detectResult{boxes: boxes, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, wrap(r.err)
		}
		return r.boxes, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrDetection, ctx.Err())
	}
}

func wrap(err error) error {
	if errors.Is(err, ErrDetection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDetection, err)
}
