package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoundingBoxGeometry(t *testing.T) {
	b := BoundingBox{X1: 10, Y1: 20, X2: 110, Y2: 70}
	assert.Equal(t, 100.0, b.Width())
	assert.Equal(t, 50.0, b.Height())
	assert.Equal(t, 5000.0, b.Area())

	inverted := BoundingBox{X1: 50, Y1: 50, X2: 10, Y2: 10}
	assert.Zero(t, inverted.Area())
}

func TestVehicleClasses(t *testing.T) {
	for _, id := range []int{ClassCar, ClassMotorcycle, ClassBus, ClassTruck} {
		assert.True(t, BoundingBox{ClassID: id}.IsVehicle(), ClassName(id))
	}
	assert.False(t, BoundingBox{ClassID: 0}.IsVehicle())
	assert.False(t, BoundingBox{ClassID: 1}.IsVehicle())

	boxes := []BoundingBox{{ClassID: ClassCar}, {ClassID: 0}, {ClassID: ClassTruck}}
	assert.Equal(t, 2, CountVehicles(boxes))
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "car", ClassName(ClassCar))
	assert.Equal(t, "truck", ClassName(ClassTruck))
	assert.Equal(t, "class_99", ClassName(99))
	assert.Equal(t, "car 0.91", BoundingBox{ClassID: ClassCar, Confidence: 0.912}.Label())
}
