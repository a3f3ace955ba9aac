package overlay

import (
	"fmt"
	"image/color"

	iface "DetStreamClient/interface"

	"github.com/lucasb-eyer/go-colorful"
)

// Palette holds one colour per label class plus the colour used for class
// indices outside the lexicon.
type Palette struct {
	Classes [3]color.RGBA
	Neutral color.RGBA
}

// Color returns the class colour, or Neutral for an out-of-range index.
func (p Palette) Color(index int) color.RGBA {
	if index < 0 || index >= len(p.Classes) {
		return p.Neutral
	}
	return p.Classes[index]
}

func mustHex(hex string) color.RGBA {
	c, err := colorful.Hex(hex)
	if err != nil {
		panic(fmt.Errorf("palette colour %q: %w", hex, err))
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// Class order follows iface.Labels: clear, alert, caution. The deficiency
// palettes are drawn from the Okabe-Ito set so each class stays
// distinguishable for that deficiency.
var palettes = map[iface.VisionMode]Palette{
	iface.Normal: {
		Classes: [3]color.RGBA{mustHex("#00c853"), mustHex("#d50000"), mustHex("#ffd600")},
		Neutral: mustHex("#9e9e9e"),
	},
	iface.Protanomaly: {
		Classes: [3]color.RGBA{mustHex("#0072b2"), mustHex("#e69f00"), mustHex("#f0e442")},
		Neutral: mustHex("#9e9e9e"),
	},
	iface.Deuteranomaly: {
		Classes: [3]color.RGBA{mustHex("#56b4e9"), mustHex("#d55e00"), mustHex("#f0e442")},
		Neutral: mustHex("#9e9e9e"),
	},
	iface.Tritanomaly: {
		Classes: [3]color.RGBA{mustHex("#009e73"), mustHex("#cc79a7"), mustHex("#f5f5f5")},
		Neutral: mustHex("#757575"),
	},
	iface.Achromatopsia: {
		Classes: [3]color.RGBA{mustHex("#ffffff"), mustHex("#000000"), mustHex("#8c8c8c")},
		Neutral: mustHex("#4d4d4d"),
	},
}

// PaletteFor returns the palette of mode, falling back to Normal.
func PaletteFor(mode iface.VisionMode) Palette {
	if p, ok := palettes[mode]; ok {
		return p
	}
	return palettes[iface.Normal]
}
