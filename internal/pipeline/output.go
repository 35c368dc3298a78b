package pipeline

import (
	"image"
	"time"

	"github.com/rakshak-ai/accident-monitor/internal/collision"
	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

// Kind tells the display layer what a record represents.
type Kind int

const (
	// FrameOK is a fully analysed frame.
	FrameOK Kind = iota
	// FrameDegraded is a frame passed through without a detector.
	FrameDegraded
	// FrameError is a frame whose detection failed; the stream continues.
	FrameError
	// StreamError is the last record of a stream that failed.
	StreamError
)

func (k Kind) String() string {
	switch k {
	case FrameOK:
		return "ok"
	case FrameDegraded:
		return "degraded"
	case FrameError:
		return "frame_error"
	case StreamError:
		return "stream_error"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Output is one record of the frame sequence.
type Output struct {
	Number    uint64
	Source    string
	Timestamp time.Time
	Kind      Kind
	// Err is set for FrameError and StreamError.
	Err error

	// Image is the annotated frame.
	Image        image.Image
	Boxes        []types.BoundingBox
	VehicleCount int
	Verdict      collision.Verdict

	// Accident and Severity mirror the shared status after this frame.
	Accident bool
	Severity int
	Phase    collision.Phase
	// Event is set only on the frame that confirmed an accident.
	Event *collision.AccidentEvent
}
