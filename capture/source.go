package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	iface "DetStreamClient/interface"

	"github.com/disintegration/imaging"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

var ErrSourceClosed = errors.New("frame source is not open")

// CameraSource reads frames from a local capture device through OpenCV.
type CameraSource struct {
	DeviceID int
	Width    int
	Height   int

	mu     sync.Mutex
	webcam *gocv.VideoCapture
	mat    gocv.Mat
}

func NewCameraSource(deviceID, width, height int) *CameraSource {
	return &CameraSource{DeviceID: deviceID, Width: width, Height: height}
}

// Open acquires the device. Any failure to open is reported as
// iface.ErrPermissionDenied since the OS does not tell the two apart.
func (c *CameraSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.webcam != nil {
		return nil
	}
	webcam, err := gocv.OpenVideoCapture(c.DeviceID)
	if err != nil {
		return fmt.Errorf("%w: device %d: %v", iface.ErrPermissionDenied, c.DeviceID, err)
	}
	if !webcam.IsOpened() {
		_ = webcam.Close()
		return fmt.Errorf("%w: device %d not opened", iface.ErrPermissionDenied, c.DeviceID)
	}
	if c.Width > 0 && c.Height > 0 {
		webcam.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
		webcam.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	}
	webcam.Set(gocv.VideoCaptureBufferSize, 1)
	c.webcam = webcam
	c.mat = gocv.NewMat()
	return nil
}

func (c *CameraSource) Frame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.webcam == nil {
		return nil, ErrSourceClosed
	}
	if ok := c.webcam.Read(&c.mat); !ok || c.mat.Empty() {
		return nil, fmt.Errorf("camera %d: empty frame", c.DeviceID)
	}
	return c.mat.ToImage()
}

func (c *CameraSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.webcam == nil {
		return nil
	}
	err := multierr.Combine(c.mat.Close(), c.webcam.Close())
	c.webcam = nil
	return err
}

// StillSource serves one image file as every frame. Useful without a camera.
type StillSource struct {
	Path string

	mu  sync.Mutex
	img image.Image
}

func NewStillSource(path string) *StillSource {
	return &StillSource{Path: path}
}

// NewImageSource serves an in-memory image; Open is then a no-op.
func NewImageSource(img image.Image) *StillSource {
	return &StillSource{img: img}
}

func (s *StillSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img != nil {
		return nil
	}
	img, err := imaging.Open(s.Path, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: %v", iface.ErrPermissionDenied, err)
	}
	s.img = img
	return nil
}

func (s *StillSource) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return nil, ErrSourceClosed
	}
	return s.img, nil
}

func (s *StillSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Path != "" {
		s.img = nil
	}
	return nil
}
