// Package client wires the camera, the capture loop and the detection
// session into the single object the local API and main drive.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"DetStreamClient/capture"
	iface "DetStreamClient/interface"
	"DetStreamClient/logger"
	"DetStreamClient/overlay"
	"DetStreamClient/session"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// UI hints shown next to the detected state.
const (
	HintCaptureOff   = "capture off"
	HintConfigure    = "configure server"
	HintConnecting   = "connecting"
	HintDisconnected = "disconnected"
	HintCameraDenied = "camera access denied"
	HintError        = "error"
)

var (
	ErrNoEndpoint = errors.New("no detection server configured")
	ErrNoFrame    = errors.New("no frame captured yet")
)

// Resolver looks up the detection endpoint, typically through the registry.
type Resolver func(ctx context.Context) (string, error)

type Options struct {
	Endpoint   string
	Credential string
	Resolver   Resolver
	Quality    int
	Clock      clock.Clock
	// Capture and Session receive scheduler and session outcomes.
	Capture capture.Recorder
	Session session.Recorder
}

type Client struct {
	source    iface.FrameSource
	session   *session.Manager
	scheduler *capture.Scheduler
	interval  *capture.Interval
	resolver  Resolver
	log       *zap.Logger

	mu         sync.Mutex
	enabled    bool
	enabling   bool
	denied     bool
	endpoint   string
	credential string
	latest     image.Image
}

func New(source iface.FrameSource, newTransport func() iface.Transport, opts Options) *Client {
	interval := capture.NewInterval(capture.DefaultInterval)
	mgr := session.NewManager(newTransport, overlay.NewRenderer(), interval)
	if opts.Session != nil {
		mgr.Recorder = opts.Session
	}
	sched := capture.NewScheduler(source, capture.NewEncoder(opts.Quality), mgr, interval)
	if opts.Clock != nil {
		sched.Clock = opts.Clock
	}
	if opts.Capture != nil {
		sched.Recorder = opts.Capture
	}
	c := &Client{
		source:     source,
		session:    mgr,
		scheduler:  sched,
		interval:   interval,
		resolver:   opts.Resolver,
		log:        logger.Named("client"),
		endpoint:   opts.Endpoint,
		credential: opts.Credential,
	}
	sched.OnFrame = c.keepFrame
	return c
}

func (c *Client) Session() *session.Manager { return c.session }

func (c *Client) keepFrame(img image.Image) {
	c.mu.Lock()
	c.latest = img
	c.mu.Unlock()
}

// EnableCapture opens the camera, connects to the detection service and
// starts the capture loop. A denied camera leaves the client idle with a
// neutral state and the camera hint.
// Concurrent calls while one is in progress return nil without side effects.
func (c *Client) EnableCapture(ctx context.Context) error {
	c.mu.Lock()
	if c.enabled || c.enabling {
		c.mu.Unlock()
		return nil
	}
	c.enabling = true
	endpoint, credential := c.endpoint, c.credential
	c.mu.Unlock()

	started := false
	defer func() {
		if !started {
			c.mu.Lock()
			c.enabling = false
			c.mu.Unlock()
		}
	}()

	if endpoint == "" && c.resolver != nil {
		resolved, err := c.resolver(ctx)
		if err != nil {
			c.log.Warn("endpoint resolution failed", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrNoEndpoint, err)
		}
		endpoint = resolved
	}
	if endpoint == "" {
		return ErrNoEndpoint
	}

	if err := c.source.Open(ctx); err != nil {
		c.session.ResetDetections()
		if errors.Is(err, iface.ErrPermissionDenied) {
			c.mu.Lock()
			c.denied = true
			c.mu.Unlock()
			c.log.Warn("camera unavailable", zap.Error(err))
		}
		return err
	}

	c.mu.Lock()
	c.enabled = true
	c.enabling = false
	c.denied = false
	c.endpoint = endpoint
	c.mu.Unlock()
	started = true

	c.session.Connect(endpoint, credential)
	c.scheduler.Start(context.Background())
	c.scheduler.Enable()
	c.log.Info("capture enabled", zap.String("endpoint", endpoint))
	return nil
}

// DisableCapture stops the loop, closes the session and releases the camera.
func (c *Client) DisableCapture() error {
	c.mu.Lock()
	c.denied = false
	if !c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.enabled = false
	c.latest = nil
	c.mu.Unlock()

	c.scheduler.Disable()
	c.scheduler.Stop()
	c.session.Disconnect()
	err := c.source.Close()
	c.session.ResetDetections()
	c.log.Info("capture disabled")
	return err
}

// SetEndpoint swaps the detection server. A running capture reconnects.
func (c *Client) SetEndpoint(endpoint, credential string) {
	c.mu.Lock()
	c.endpoint, c.credential = endpoint, credential
	enabled := c.enabled
	c.mu.Unlock()
	if enabled && endpoint != "" {
		c.session.Connect(endpoint, credential)
	}
}

// Reconnect starts a fresh attempt against the current endpoint.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	endpoint, credential, enabled := c.endpoint, c.credential, c.enabled
	c.mu.Unlock()
	if !enabled {
		return nil
	}
	if endpoint == "" {
		return ErrNoEndpoint
	}
	c.session.Connect(endpoint, credential)
	return nil
}

func (c *Client) Disconnect() { c.session.Disconnect() }

func (c *Client) SetVisionMode(mode iface.VisionMode) { c.session.SetVisionMode(mode) }

func (c *Client) SetViewport(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", width, height)
	}
	c.session.SetViewport(width, height)
	return nil
}

// View is the externally visible state of the client.
type View struct {
	Enabled    bool                `json:"enabled"`
	Status     string              `json:"status"`
	AttemptID  uint64              `json:"attemptId"`
	TraceID    string              `json:"traceId,omitempty"`
	Endpoint   string              `json:"endpoint,omitempty"`
	Detected   iface.DetectedState `json:"detected"`
	Hint       string              `json:"hint,omitempty"`
	IntervalMs int64               `json:"intervalMs"`
	Mode       string              `json:"visionMode"`
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	Boxes      []overlay.Box       `json:"boxes,omitempty"`
	LastError  string              `json:"lastError,omitempty"`
}

func (c *Client) View() View {
	snap := c.session.Snapshot()
	c.mu.Lock()
	enabled, denied, endpoint := c.enabled, c.denied, c.endpoint
	c.mu.Unlock()

	v := View{
		Enabled:    enabled,
		Status:     snap.Session.Status.String(),
		AttemptID:  snap.Session.AttemptID,
		TraceID:    snap.Session.TraceID,
		Endpoint:   snap.Session.Endpoint,
		Detected:   snap.Detected,
		Hint:       hint(enabled, denied, endpoint, snap.Session.Status),
		IntervalMs: snap.Interval.Milliseconds(),
		Mode:       snap.Mode.String(),
		Width:      snap.Width,
		Height:     snap.Height,
	}
	if snap.Overlay != nil {
		v.Boxes = snap.Overlay.Boxes
	}
	if snap.LastError != nil {
		v.LastError = snap.LastError.Error()
	}
	return v
}

func hint(enabled, denied bool, endpoint string, status iface.Status) string {
	switch {
	case denied:
		return HintCameraDenied
	case !enabled && endpoint == "":
		return HintConfigure
	case !enabled:
		return HintCaptureOff
	case status == iface.Connecting:
		return HintConnecting
	case status == iface.Error:
		return HintError
	case status == iface.Disconnected:
		return HintDisconnected
	default:
		return ""
	}
}

// OverlayPNG encodes the current overlay. ok is false when nothing is drawn.
func (c *Client) OverlayPNG() (data []byte, ok bool, err error) {
	snap := c.session.Snapshot()
	if snap.Overlay == nil || snap.Overlay.Image == nil {
		return nil, false, nil
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, snap.Overlay.Image, imaging.PNG); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

// PreviewJPEG renders the last captured frame through the vision filter with
// the current overlay on top.
func (c *Client) PreviewJPEG(quality int) ([]byte, error) {
	c.mu.Lock()
	frame := c.latest
	c.mu.Unlock()
	if frame == nil {
		return nil, ErrNoFrame
	}
	snap := c.session.Snapshot()
	img := overlay.Compose(frame, snap.Overlay, snap.Width, snap.Height, snap.Mode)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close releases everything; the client is unusable afterwards.
func (c *Client) Close() error {
	err := c.DisableCapture()
	c.session.Disconnect()
	return err
}
