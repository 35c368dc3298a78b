// Package collision infers vehicle collisions from per-frame detections.
//
// Analyze reduces one frame's boxes to a Verdict, Score maps the triggering
// IoU to a severity, and StateMachine debounces verdicts across consecutive
// frames into confirmed accidents followed by a cooldown window.
package collision

import (
	"fmt"
	"math"

	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

// Thresholds decide when an overlapping vehicle pair qualifies.
type Thresholds struct {
	// IoU must be strictly exceeded.
	IoU float64 `yaml:"iou" mapstructure:"iou"`
	// MinIntersection is in squared pixels of the native frame and must be
	// strictly exceeded.
	MinIntersection float64 `yaml:"min_intersection" mapstructure:"min_intersection"`
}

// DefaultThresholds returns IoU > 0.8 and intersection > 5000 px².
func DefaultThresholds() Thresholds {
	return Thresholds{IoU: 0.8, MinIntersection: 5000}
}

// Validate rejects thresholds that could never or would always qualify.
func (t Thresholds) Validate() error {
	if t.IoU < 0 || t.IoU >= 1 {
		return fmt.Errorf("iou threshold must be in [0,1): %v", t.IoU)
	}
	if t.MinIntersection < 0 {
		return fmt.Errorf("min intersection must be >= 0: %v", t.MinIntersection)
	}
	return nil
}

// Pair holds indices into the analysed box slice, I < J.
type Pair struct {
	I int `json:"i"`
	J int `json:"j"`
}

// Verdict is the outcome of scanning one frame.
type Verdict struct {
	Qualifies        bool    `json:"qualifies"`
	IoU              float64 `json:"iou"`
	IntersectionArea float64 `json:"intersection_area"`
	Pair             *Pair   `json:"pair,omitempty"`
}

// IoU returns intersection-over-union and the intersection area of a and b.
// A non-positive union is replaced by 1, which yields an IoU of 0 for
// degenerate boxes.
func IoU(a, b types.BoundingBox) (iou, intersection float64) {
	iw := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	ih := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if iw > 0 && ih > 0 {
		intersection = iw * ih
	}

	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		union = 1
	}
	return intersection / union, intersection
}

// Analyze scans vehicle pairs in order (i ascending, then j > i ascending)
// and returns the first pair that qualifies. Boxes outside
// types.VehicleClasses are skipped.
func Analyze(boxes []types.BoundingBox, t Thresholds) Verdict {
	for i := 0; i < len(boxes); i++ {
		if !boxes[i].IsVehicle() {
			continue
		}
		for j := i + 1; j < len(boxes); j++ {
			if !boxes[j].IsVehicle() {
				continue
			}
			iou, inter := IoU(boxes[i], boxes[j])
			if iou > t.IoU && inter > t.MinIntersection {
				return Verdict{
					Qualifies:        true,
					IoU:              iou,
					IntersectionArea: inter,
					Pair:             &Pair{I: i, J: j},
				}
			}
		}
	}
	return Verdict{}
}
