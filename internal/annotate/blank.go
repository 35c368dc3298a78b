package annotate

import (
	"image"
	"image/color"
	"sync"
)

var (
	blankOnce sync.Once
	blankJPEG []byte
	blankErr  error
)

// Blank returns a 640x480 colour-bar JPEG, used as a keepalive frame when a
// stream has nothing new to send. The encoding is computed once.
func Blank() ([]byte, error) {
	blankOnce.Do(func() {
		blankJPEG, blankErr = EncodeJPEG(colorBars(640, 480), 75)
	})
	return blankJPEG, blankErr
}

func colorBars(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := w / len(colors)
	for y := range h {
		for x := range w {
			i := min(x/barWidth, len(colors)-1)
			img.SetRGBA(x, y, colors[i])
		}
	}
	return img
}
