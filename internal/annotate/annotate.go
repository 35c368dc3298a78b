// Package annotate draws detection overlays and placeholder frames.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

var font *truetype.Font

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

var (
	ColorVehicle = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	ColorOther   = color.RGBA{R: 0, G: 128, B: 255, A: 255}
	ColorAlert   = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	ColorWarn    = color.RGBA{R: 255, G: 200, B: 0, A: 255}
	ColorText    = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Options control overlay rendering.
type Options struct {
	FontSize    float64 `yaml:"font_size" mapstructure:"font_size"`
	LineWidth   float64 `yaml:"line_width" mapstructure:"line_width"`
	JPEGQuality int     `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
	// Vehicles only hides non-vehicle boxes.
	VehiclesOnly bool `yaml:"vehicles_only" mapstructure:"vehicles_only"`
}

// DefaultOptions returns the server defaults.
func DefaultOptions() Options {
	return Options{FontSize: 24, LineWidth: 2, JPEGQuality: 80}
}

// Overlay is the per-frame state shown on top of the detections.
type Overlay struct {
	VehicleCount int
	Accident     bool
	Severity     int
	// Highlight lists box indices drawn in the alert colour.
	Highlight []int
}

// Annotator renders frames. It holds no per-frame state and is safe for
// concurrent use.
type Annotator struct {
	opts Options
}

// New creates an Annotator.
func New(opts Options) *Annotator {
	if opts.FontSize <= 0 {
		opts.FontSize = 24
	}
	if opts.LineWidth <= 0 {
		opts.LineWidth = 2
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 80
	}
	return &Annotator{opts: opts}
}

// Options returns the effective options.
func (a *Annotator) Options() Options {
	return a.opts
}

// Annotate draws boxes, labels, the vehicle count and the accident banner
// onto a copy of img.
func (a *Annotator) Annotate(img image.Image, boxes []types.BoundingBox, o Overlay) image.Image {
	dc := gg.NewContextForImage(img)

	highlight := make(map[int]bool, len(o.Highlight))
	for _, i := range o.Highlight {
		highlight[i] = true
	}

	labelSize := a.opts.FontSize * 0.6
	for i, b := range boxes {
		vehicle := b.IsVehicle()
		if !vehicle && a.opts.VehiclesOnly {
			continue
		}
		c := ColorOther
		switch {
		case highlight[i]:
			c = ColorAlert
		case vehicle:
			c = ColorVehicle
		}
		r := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
		drawRectangleEmpty(dc, r, c, a.opts.LineWidth)

		ly := r.Min.Y - int(labelSize) - 4
		if ly < 0 {
			ly = r.Min.Y + 2
		}
		drawString(dc, b.Label(), image.Pt(r.Min.X+2, ly), c, labelSize)
	}

	drawString(dc, fmt.Sprintf("Cars Detected: %d", o.VehicleCount), image.Pt(50, 50-int(a.opts.FontSize)), ColorVehicle, a.opts.FontSize)

	if o.Accident {
		a.banner(dc, fmt.Sprintf("ACCIDENT DETECTED - Severity %d", o.Severity), ColorAlert)
	}
	return dc.Image()
}

// Degraded marks a frame produced without a detector.
func (a *Annotator) Degraded(img image.Image) image.Image {
	dc := gg.NewContextForImage(img)
	a.banner(dc, "DEMO MODE - detector unavailable", ColorWarn)
	return dc.Image()
}

// FrameError marks a frame whose detection failed.
func (a *Annotator) FrameError(img image.Image, msg string) image.Image {
	dc := gg.NewContextForImage(img)
	a.banner(dc, "Detection error: "+msg, ColorWarn)
	return dc.Image()
}

// ErrorFrame renders a black w×h frame with msg, used when a source fails.
func (a *Annotator) ErrorFrame(msg string, w, h int) image.Image {
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	dc := gg.NewContext(w, h)
	dc.SetColor(color.Black)
	dc.Clear()
	drawString(dc, msg, image.Pt(50, h/2-int(a.opts.FontSize)), ColorText, a.opts.FontSize)
	return dc.Image()
}

// EncodeJPEG encodes img with the configured quality.
func (a *Annotator) EncodeJPEG(img image.Image) ([]byte, error) {
	return EncodeJPEG(img, a.opts.JPEGQuality)
}

func (a *Annotator) banner(dc *gg.Context, text string, c color.Color) {
	h := a.opts.FontSize * 1.8
	y := float64(dc.Height()) - h
	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(0, y, float64(dc.Width()), h)
	dc.Fill()
	drawString(dc, text, image.Pt(10, int(y+h*0.2)), c, a.opts.FontSize)
}

// EncodeJPEG encodes img at quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawStringWrapped(text, float64(p.X), float64(p.Y), 0, 0, float64(dc.Width()), 1, 0)
}

func drawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}
