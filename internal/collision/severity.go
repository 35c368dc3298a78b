package collision

import "math"

// MaxSeverity caps Score.
const MaxSeverity = 5

// Score maps the IoU of the triggering pair to a severity:
// min(5, floor(iou*10)), never below 0.
//
// With the default IoU threshold of 0.8 every qualifying event scores 5.
func Score(iou float64) int {
	s := int(math.Floor(iou * 10))
	if s > MaxSeverity {
		return MaxSeverity
	}
	if s < 0 {
		return 0
	}
	return s
}
