package capture

import (
	"bytes"
	"errors"
	"image"

	iface "DetStreamClient/interface"

	"github.com/disintegration/imaging"
)

// Encoder rasterises a frame into the detector's square input and compresses
// it as JPEG. The source is stretched, not letterboxed, so detector
// coordinates map linearly back onto the full frame.
type Encoder struct {
	Size    int
	Quality int
}

func NewEncoder(quality int) *Encoder {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Encoder{Size: iface.DetectorSize, Quality: quality}
}

// Rasterize stretches img onto a Size×Size canvas.
func (e *Encoder) Rasterize(img image.Image) *image.NRGBA {
	return imaging.Resize(img, e.Size, e.Size, imaging.Linear)
}

func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("encode: empty frame")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, e.Rasterize(img), imaging.JPEG, imaging.JPEGQuality(e.Quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
