package types

import (
	"image"
	"time"
)

// Frame is one decoded picture pulled from a video source.
type Frame struct {
	Image     image.Image // Decoded raster
	Number    uint64      // Sequential frame number, starting at 1
	Timestamp time.Time   // Acquisition time
	Source    string      // Source name the frame came from
}

// Width returns the raster width, or 0 when no image is attached.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the raster height, or 0 when no image is attached.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}
