package overlay

import (
	"image"
	"image/color"
	"math"

	iface "DetStreamClient/interface"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
)

type filterKind int

const (
	filterNone filterKind = iota
	filterHue
	filterTint
	filterGray
)

type filterSpec struct {
	kind    filterKind
	degrees float64
	tint    color.NRGBA
	opacity float64
}

var filters = map[iface.VisionMode]filterSpec{
	iface.Normal:        {kind: filterNone},
	iface.Protanomaly:   {kind: filterHue, degrees: 25},
	iface.Deuteranomaly: {kind: filterHue, degrees: -25},
	iface.Tritanomaly:   {kind: filterTint, tint: color.NRGBA{R: 0xff, G: 0x6e, B: 0xb4, A: 0xff}, opacity: 0.2},
	iface.Achromatopsia: {kind: filterGray},
}

// HueRotate turns the hue of c by degrees, keeping saturation, value and alpha.
func HueRotate(c color.NRGBA, degrees float64) color.NRGBA {
	cc := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	h, s, v := cc.Hsv()
	h = math.Mod(h+degrees, 360)
	if h < 0 {
		h += 360
	}
	r, g, b := colorful.Hsv(h, s, v).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: c.A}
}

// ApplyFilter returns a filtered copy of img for the vision mode. The input is
// never modified.
func ApplyFilter(img image.Image, mode iface.VisionMode) *image.NRGBA {
	spec, ok := filters[mode]
	if !ok {
		spec = filters[iface.Normal]
	}
	switch spec.kind {
	case filterHue:
		return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
			return HueRotate(c, spec.degrees)
		})
	case filterTint:
		b := img.Bounds()
		tint := imaging.New(b.Dx(), b.Dy(), spec.tint)
		return imaging.Overlay(img, tint, image.Pt(0, 0), spec.opacity)
	case filterGray:
		return imaging.AdjustContrast(imaging.Grayscale(img), 10)
	default:
		return imaging.Clone(img)
	}
}

// Compose stretches frame onto the viewport, applies the vision filter and
// draws the overlay on top. overlay may be nil.
func Compose(frame image.Image, ov *Frame, width, height int, mode iface.VisionMode) *image.NRGBA {
	base := imaging.Resize(frame, width, height, imaging.Linear)
	out := ApplyFilter(base, mode)
	if ov != nil && ov.Image != nil {
		out = imaging.Overlay(out, ov.Image, image.Pt(0, 0), 1.0)
	}
	return out
}
