// Package overlay turns detection batches into drawable overlays and applies
// the full-frame colour filters of the vision modes.
package overlay

import (
	"image"
	"image/color"

	iface "DetStreamClient/interface"

	"github.com/fogleman/gg"
)

// Box is one drawn rectangle in viewport pixels.
type Box struct {
	X1, Y1, X2, Y2 float64
	LabelIndex     int
	Color          color.RGBA
}

// Frame is a rendered overlay. It is immutable once returned.
type Frame struct {
	Width, Height int
	Mode          iface.VisionMode
	Boxes         []Box
	Image         *image.RGBA
}

type Renderer struct {
	LineWidth float64
}

func NewRenderer() *Renderer {
	return &Renderer{LineWidth: 3}
}

// Scale maps one detector-space coordinate onto a viewport axis of size px.
func Scale(v float64, px int) float64 {
	return v * float64(px) / iface.DetectorSize
}

// Render draws batch onto a transparent canvas of the viewport size. An empty
// batch, a batch with no drawable item, or a viewport with no area yields nil.
func (r *Renderer) Render(batch iface.DetectionBatch, width, height int, mode iface.VisionMode) *Frame {
	if len(batch) == 0 || width <= 0 || height <= 0 {
		return nil
	}
	palette := PaletteFor(mode)
	dc := gg.NewContext(width, height)
	dc.SetLineWidth(r.LineWidth)
	frame := &Frame{Width: width, Height: height, Mode: mode, Boxes: make([]Box, 0, len(batch))}
	for _, item := range batch {
		if !item.Valid() {
			continue
		}
		box := Box{
			X1:         Scale(item.X1(), width),
			Y1:         Scale(item.Y1(), height),
			X2:         Scale(item.X2(), width),
			Y2:         Scale(item.Y2(), height),
			LabelIndex: item.LabelIndex(),
		}
		box.Color = palette.Color(box.LabelIndex)
		dc.SetColor(box.Color)
		dc.DrawRectangle(box.X1, box.Y1, box.X2-box.X1, box.Y2-box.Y1)
		dc.Stroke()
		frame.Boxes = append(frame.Boxes, box)
	}
	if len(frame.Boxes) == 0 {
		return nil
	}
	if img, ok := dc.Image().(*image.RGBA); ok {
		frame.Image = img
	} else {
		frame.Image = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	return frame
}
