package api

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"DetStreamClient/capture"
	"DetStreamClient/client"
	iface "DetStreamClient/interface"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopTransport struct {
	mu sync.Mutex
	h  iface.TransportHandler
}

func (t *loopTransport) Open(ctx context.Context, endpoint, credential string, h iface.TransportHandler) error {
	t.mu.Lock()
	t.h = h
	t.mu.Unlock()
	go h.OnMessage([]byte(`{"status":"success"}`))
	return nil
}

func (t *loopTransport) Send([]byte) error { return nil }
func (t *loopTransport) Close() error      { return nil }

func (t *loopTransport) deliver(msg string) {
	t.mu.Lock()
	h := t.h
	t.mu.Unlock()
	h.OnMessage([]byte(msg))
}

type statusBody struct {
	Data  client.View `json:"data"`
	Error string      `json:"error"`
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, statusBody) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out statusBody
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

type deniedSource struct{}

func (deniedSource) Open(context.Context) error  { return iface.ErrPermissionDenied }
func (deniedSource) Frame() (image.Image, error) { return nil, capture.ErrSourceClosed }
func (deniedSource) Close() error                { return nil }

func TestRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tr := &loopTransport{}
	src := capture.NewImageSource(imaging.New(64, 48, color.NRGBA{R: 200, A: 255}))
	c := client.New(src, func() iface.Transport { return tr }, client.Options{Endpoint: "ws://det.local/ws"})
	defer c.Close()
	shutdown := make(chan struct{})
	r := NewRouter(c, func() { close(shutdown) })

	t.Run("Test ping", func(t *testing.T) {
		w, _ := do(t, r, http.MethodGet, "/api/ping", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
	})

	t.Run("Test idle status", func(t *testing.T) {
		w, body := do(t, r, http.MethodGet, "/api/status", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, client.HintCaptureOff, body.Data.Hint)
		assert.Equal(t, "none", body.Data.Detected.Label)

		w, _ = do(t, r, http.MethodGet, "/api/overlay.png", "")
		assert.Equal(t, http.StatusNoContent, w.Code)
		w, _ = do(t, r, http.MethodGet, "/api/preview.jpg", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Test enable and detections", func(t *testing.T) {
		w, body := do(t, r, http.MethodPost, "/api/capture/enable", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, body.Data.Enabled)
		require.Eventually(t, c.Session().Connected, time.Second, 5*time.Millisecond)

		tr.deliver(`[[0,0,320,320,0.95,1]]`)
		_, body = do(t, r, http.MethodGet, "/api/status", "")
		assert.Equal(t, iface.DetectedState{Label: "red/alert", Confidence: 0.95}, body.Data.Detected)

		w, _ = do(t, r, http.MethodGet, "/api/overlay.png", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	})

	t.Run("Test vision mode", func(t *testing.T) {
		w, body := do(t, r, http.MethodPut, "/api/vision-mode", `{"mode":"achromatopsia"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "achromatopsia", body.Data.Mode)

		w, _ = do(t, r, http.MethodPut, "/api/vision-mode", `{"mode":"sepia"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		w, _ = do(t, r, http.MethodPut, "/api/vision-mode", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Test viewport", func(t *testing.T) {
		w, body := do(t, r, http.MethodPut, "/api/viewport", `{"width":1280,"height":720}`)
		assert.Equal(t, http.StatusOK, w.Code)
		require.Len(t, body.Data.Boxes, 1)
		assert.Equal(t, 640.0, body.Data.Boxes[0].X2)
		assert.Equal(t, 360.0, body.Data.Boxes[0].Y2)

		w, _ = do(t, r, http.MethodPut, "/api/viewport", `{"width":-1,"height":10}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Test connect and disconnect", func(t *testing.T) {
		w, body := do(t, r, http.MethodPost, "/api/disconnect", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, iface.Disconnected.String(), body.Data.Status)
		assert.Equal(t, "none", body.Data.Detected.Label)

		w, _ = do(t, r, http.MethodPost, "/api/connect", "")
		assert.Equal(t, http.StatusOK, w.Code)
		require.Eventually(t, c.Session().Connected, time.Second, 5*time.Millisecond)

		w, body = do(t, r, http.MethodPost, "/api/connect", `{"endpoint":"ws://other/ws","credential":"x"}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ws://other/ws", body.Data.Endpoint)
	})

	t.Run("Test disable", func(t *testing.T) {
		w, body := do(t, r, http.MethodPost, "/api/capture/disable", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.False(t, body.Data.Enabled)
		assert.Equal(t, iface.NeutralState, body.Data.Detected)
	})

	t.Run("Test shutdown", func(t *testing.T) {
		w, _ := do(t, r, http.MethodPost, "/api/shutdown", "")
		assert.Equal(t, http.StatusOK, w.Code)
		select {
		case <-shutdown:
		case <-time.After(time.Second):
			t.Fatal("shutdown not triggered")
		}
	})
}

func TestRouterCameraDenied(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := client.New(deniedSource{}, func() iface.Transport { return &loopTransport{} }, client.Options{Endpoint: "ws://x/ws"})
	r := NewRouter(c, nil)
	w, body := do(t, r, http.MethodPost, "/api/capture/enable", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, client.HintCameraDenied, body.Data.Hint)

	c2 := client.New(deniedSource{}, func() iface.Transport { return &loopTransport{} }, client.Options{})
	w, body = do(t, NewRouter(c2, nil), http.MethodPost, "/api/capture/enable", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, client.HintConfigure, body.Data.Hint)
}
