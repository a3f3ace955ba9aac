package client

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"DetStreamClient/capture"
	iface "DetStreamClient/interface"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ackTransport accepts every credential and records frames.
type ackTransport struct {
	mu     sync.Mutex
	h      iface.TransportHandler
	sent   [][]byte
	closed bool
}

func (t *ackTransport) Open(ctx context.Context, endpoint, credential string, h iface.TransportHandler) error {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
	go h.OnMessage([]byte(`{"status":"success"}`))
	return nil
}

func (t *ackTransport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, p)
	return nil
}

func (t *ackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *ackTransport) deliver(msg string) {
	t.mu.Lock()
	h := t.h
	t.mu.Unlock()
	h.OnMessage([]byte(msg))
}

func (t *ackTransport) first() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[0]
}

func (t *ackTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *ackTransport) frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type transports struct {
	mu  sync.Mutex
	all []*ackTransport
}

func (ts *transports) New() iface.Transport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &ackTransport{}
	ts.all = append(ts.all, t)
	return t
}

func (ts *transports) last() *ackTransport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[len(ts.all)-1]
}

type deniedSource struct{}

func (deniedSource) Open(context.Context) error  { return iface.ErrPermissionDenied }
func (deniedSource) Frame() (image.Image, error) { return nil, capture.ErrSourceClosed }
func (deniedSource) Close() error                { return nil }

// gatedSource blocks Open until gate is closed.
type gatedSource struct {
	*capture.StillSource
	entered  chan struct{}
	gate     chan struct{}
	closeErr error
}

func (g *gatedSource) Open(ctx context.Context) error {
	if g.entered != nil {
		close(g.entered)
	}
	if g.gate != nil {
		<-g.gate
	}
	return g.StillSource.Open(ctx)
}

func (g *gatedSource) Close() error {
	_ = g.StillSource.Close()
	return g.closeErr
}

func testImage() image.Image {
	return imaging.New(320, 240, color.NRGBA{R: 40, G: 90, B: 160, A: 255})
}

func TestClientLifecycle(t *testing.T) {
	mock := clock.NewMock()
	ts := &transports{}
	c := New(capture.NewImageSource(testImage()), ts.New, Options{
		Endpoint:   "ws://detector.local/ws",
		Credential: "tok",
		Clock:      mock,
	})
	require.NoError(t, c.SetViewport(640, 480))

	t.Run("Test idle hint", func(t *testing.T) {
		v := c.View()
		assert.False(t, v.Enabled)
		assert.Equal(t, HintCaptureOff, v.Hint)
		assert.Equal(t, iface.NeutralState, v.Detected)
		_, err := c.PreviewJPEG(80)
		assert.ErrorIs(t, err, ErrNoFrame)
	})

	t.Run("Test enable connects and streams", func(t *testing.T) {
		require.NoError(t, c.EnableCapture(context.Background()))
		require.Eventually(t, c.Session().Connected, time.Second, 5*time.Millisecond)
		assert.Empty(t, c.View().Hint)

		tr := ts.last()
		require.Eventually(t, func() bool {
			mock.Add(capture.DefaultInterval)
			return tr.frames() > 0
		}, 2*time.Second, 10*time.Millisecond)
		assert.True(t, bytes.HasPrefix(tr.first(), []byte{0xff, 0xd8}))
	})

	t.Run("Test detections reach the view", func(t *testing.T) {
		tr := ts.last()
		tr.deliver(`[[64,64,320,320,0.8,2]]`)
		v := c.View()
		assert.Equal(t, iface.DetectedState{Label: "yellow/caution", Confidence: 0.8}, v.Detected)
		require.Len(t, v.Boxes, 1)
		assert.Equal(t, 48.0, v.Boxes[0].Y1)

		png, ok, err := c.OverlayPNG()
		require.NoError(t, err)
		require.True(t, ok)
		img, err := imaging.Decode(bytes.NewReader(png))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())

		jpg, err := c.PreviewJPEG(80)
		require.NoError(t, err)
		prev, err := imaging.Decode(bytes.NewReader(jpg))
		require.NoError(t, err)
		assert.Equal(t, 640, prev.Bounds().Dx())
	})

	t.Run("Test interval control", func(t *testing.T) {
		ts.last().deliver(`{"type":"set_interval","interval":10}`)
		assert.EqualValues(t, 50, c.View().IntervalMs)
	})

	t.Run("Test endpoint change reconnects", func(t *testing.T) {
		before := c.View().AttemptID
		old := ts.last()
		c.SetEndpoint("ws://other.local/ws", "tok2")
		require.Eventually(t, c.Session().Connected, time.Second, 5*time.Millisecond)
		v := c.View()
		assert.Greater(t, v.AttemptID, before)
		assert.Equal(t, "ws://other.local/ws", v.Endpoint)
		assert.True(t, old.isClosed())
	})

	t.Run("Test disable clears", func(t *testing.T) {
		tr := ts.last()
		require.NoError(t, c.DisableCapture())
		v := c.View()
		assert.False(t, v.Enabled)
		assert.Equal(t, iface.Disconnected.String(), v.Status)
		assert.Equal(t, iface.NeutralState, v.Detected)
		assert.Equal(t, HintCaptureOff, v.Hint)
		assert.Empty(t, v.Boxes)
		assert.True(t, tr.isClosed())

		n := tr.frames()
		mock.Add(time.Second)
		assert.Equal(t, n, tr.frames())
		require.NoError(t, c.DisableCapture())
	})
}

func TestClientCameraDenied(t *testing.T) {
	ts := &transports{}
	c := New(deniedSource{}, ts.New, Options{Endpoint: "ws://x/ws"})
	err := c.EnableCapture(context.Background())
	assert.ErrorIs(t, err, iface.ErrPermissionDenied)
	v := c.View()
	assert.False(t, v.Enabled)
	assert.Equal(t, HintCameraDenied, v.Hint)
	assert.Equal(t, iface.NeutralState, v.Detected)
	assert.Equal(t, iface.Disconnected.String(), v.Status)
	assert.Empty(t, ts.all)
}

func TestClientEndpointResolution(t *testing.T) {
	t.Run("Test nothing configured", func(t *testing.T) {
		c := New(capture.NewImageSource(testImage()), (&transports{}).New, Options{})
		assert.Equal(t, HintConfigure, c.View().Hint)
		assert.ErrorIs(t, c.EnableCapture(context.Background()), ErrNoEndpoint)
	})

	t.Run("Test resolver failure", func(t *testing.T) {
		c := New(capture.NewImageSource(testImage()), (&transports{}).New, Options{
			Resolver: func(context.Context) (string, error) { return "", errors.New("registry down") },
		})
		err := c.EnableCapture(context.Background())
		assert.ErrorIs(t, err, ErrNoEndpoint)
		assert.ErrorContains(t, err, "registry down")
		assert.False(t, c.View().Enabled)
	})

	t.Run("Test resolver success", func(t *testing.T) {
		c := New(capture.NewImageSource(testImage()), (&transports{}).New, Options{
			Resolver: func(context.Context) (string, error) { return "https://bridge.example/ws", nil },
		})
		require.NoError(t, c.EnableCapture(context.Background()))
		defer c.Close()
		require.Eventually(t, c.Session().Connected, time.Second, 5*time.Millisecond)
		assert.Equal(t, "https://bridge.example/ws", c.View().Endpoint)
	})
}

func TestClientConcurrentEnable(t *testing.T) {
	ts := &transports{}
	src := &gatedSource{
		StillSource: capture.NewImageSource(testImage()),
		entered:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
	c := New(src, ts.New, Options{Endpoint: "ws://x/ws"})
	defer c.Close()

	first := make(chan error, 1)
	go func() { first <- c.EnableCapture(context.Background()) }()
	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("open not reached")
	}

	require.NoError(t, c.EnableCapture(context.Background()))
	close(src.gate)
	require.NoError(t, <-first)

	ts.mu.Lock()
	assert.Len(t, ts.all, 1)
	ts.mu.Unlock()
	assert.True(t, c.View().Enabled)
	assert.EqualValues(t, 1, c.View().AttemptID)
}

func TestClientTeardownError(t *testing.T) {
	src := &gatedSource{StillSource: capture.NewImageSource(testImage()), closeErr: errors.New("device busy")}
	c := New(src, (&transports{}).New, Options{Endpoint: "ws://x/ws"})
	require.NoError(t, c.EnableCapture(context.Background()))
	err := c.DisableCapture()
	assert.EqualError(t, err, "device busy")
	assert.False(t, c.View().Enabled)
}

func TestClientHints(t *testing.T) {
	t.Run("Test disconnected while enabled", func(t *testing.T) {
		c := New(capture.NewImageSource(testImage()), (&transports{}).New, Options{Endpoint: "ws://x/ws"})
		defer c.Close()
		require.NoError(t, c.EnableCapture(context.Background()))
		require.Eventually(t, c.Session().Connected, time.Second, 5*time.Millisecond)

		c.Disconnect()
		v := c.View()
		assert.True(t, v.Enabled)
		assert.Equal(t, HintDisconnected, v.Hint)

		require.NoError(t, c.Reconnect())
		require.Eventually(t, c.Session().Connected, time.Second, 5*time.Millisecond)
		assert.Empty(t, c.View().Hint)
	})

	t.Run("Test camera hint cleared by disable", func(t *testing.T) {
		c := New(deniedSource{}, (&transports{}).New, Options{Endpoint: "ws://x/ws"})
		assert.ErrorIs(t, c.EnableCapture(context.Background()), iface.ErrPermissionDenied)
		assert.Equal(t, HintCameraDenied, c.View().Hint)

		require.NoError(t, c.DisableCapture())
		assert.Equal(t, HintCaptureOff, c.View().Hint)
	})
}
