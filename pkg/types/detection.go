package types

import (
	"fmt"
	"math"
)

// BoundingBox is one detected object in corner form, in source-frame pixels.
type BoundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
}

// Width returns the box width, clamped at zero for inverted boxes.
func (b BoundingBox) Width() float64 {
	return math.Max(0, b.X2-b.X1)
}

// Height returns the box height, clamped at zero for inverted boxes.
func (b BoundingBox) Height() float64 {
	return math.Max(0, b.Y2-b.Y1)
}

// Area returns Width*Height.
func (b BoundingBox) Area() float64 {
	return b.Width() * b.Height()
}

// IsVehicle reports whether the box class belongs to VehicleClasses.
func (b BoundingBox) IsVehicle() bool {
	return VehicleClasses.Contains(b.ClassID)
}

// Label returns "<class> <confidence>" for overlays.
func (b BoundingBox) Label() string {
	return fmt.Sprintf("%s %.2f", ClassName(b.ClassID), b.Confidence)
}

// COCO class ids the detector emits for road vehicles.
const (
	ClassCar        = 2
	ClassMotorcycle = 3
	ClassBus        = 5
	ClassTruck      = 7
)

// ClassSet is a fixed set of detector class ids.
type ClassSet map[int]struct{}

// NewClassSet builds a ClassSet from ids.
func NewClassSet(ids ...int) ClassSet {
	s := make(ClassSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports membership.
func (s ClassSet) Contains(id int) bool {
	_, ok := s[id]
	return ok
}

// VehicleClasses holds {car, motorcycle, bus, truck}. Only these classes
// take part in overlap analysis.
var VehicleClasses = NewClassSet(ClassCar, ClassMotorcycle, ClassBus, ClassTruck)

// CountVehicles returns how many boxes are vehicles.
func CountVehicles(boxes []BoundingBox) int {
	n := 0
	for _, b := range boxes {
		if b.IsVehicle() {
			n++
		}
	}
	return n
}

var cocoNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

// ClassName returns the COCO label for id, or "class_<id>" when unknown.
func ClassName(id int) string {
	if id >= 0 && id < len(cocoNames) {
		return cocoNames[id]
	}
	return fmt.Sprintf("class_%d", id)
}
