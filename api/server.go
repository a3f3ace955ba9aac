package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"DetStreamClient/client"
	iface "DetStreamClient/interface"
	"DetStreamClient/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const previewQuality = 80

type connectRequest struct {
	Endpoint   string `json:"endpoint"`
	Credential string `json:"credential"`
}

type visionModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type viewportRequest struct {
	Width  int `json:"width" binding:"required"`
	Height int `json:"height" binding:"required"`
}

// NewRouter exposes the client over HTTP. shutdown is invoked by
// POST /api/shutdown and may be nil.
func NewRouter(c *client.Client, shutdown func()) *gin.Engine {
	log := logger.Named("api")
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(log))

	r.GET("/api/ping", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"data": c.View()})
	})
	r.GET("/api/overlay.png", func(ctx *gin.Context) {
		data, ok, err := c.OverlayPNG()
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			ctx.Status(http.StatusNoContent)
			return
		}
		ctx.Data(http.StatusOK, "image/png", data)
	})
	r.GET("/api/preview.jpg", func(ctx *gin.Context) {
		data, err := c.PreviewJPEG(previewQuality)
		if errors.Is(err, client.ErrNoFrame) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ctx.Data(http.StatusOK, "image/jpeg", data)
	})
	r.POST("/api/capture/enable", func(ctx *gin.Context) {
		err := c.EnableCapture(ctx.Request.Context())
		switch {
		case errors.Is(err, iface.ErrPermissionDenied):
			ctx.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "data": c.View()})
		case errors.Is(err, client.ErrNoEndpoint):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "data": c.View()})
		case err != nil:
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			ctx.JSON(http.StatusOK, gin.H{"data": c.View()})
		}
	})
	r.POST("/api/capture/disable", func(ctx *gin.Context) {
		if err := c.DisableCapture(); err != nil {
			log.Warn("capture teardown", zap.Error(err))
		}
		ctx.JSON(http.StatusOK, gin.H{"data": c.View()})
	})
	r.POST("/api/connect", func(ctx *gin.Context) {
		var req connectRequest
		if ctx.Request.ContentLength > 0 {
			if err := ctx.ShouldBindJSON(&req); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Endpoint != "" {
			c.SetEndpoint(req.Endpoint, req.Credential)
		} else if err := c.Reconnect(); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"data": c.View()})
	})
	r.POST("/api/disconnect", func(ctx *gin.Context) {
		c.Disconnect()
		ctx.JSON(http.StatusOK, gin.H{"data": c.View()})
	})
	r.PUT("/api/vision-mode", func(ctx *gin.Context) {
		var req visionModeRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		mode, err := iface.ParseVisionMode(req.Mode)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.SetVisionMode(mode)
		ctx.JSON(http.StatusOK, gin.H{"data": c.View()})
	})
	r.PUT("/api/viewport", func(ctx *gin.Context) {
		var req viewportRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := c.SetViewport(req.Width, req.Height); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"data": c.View()})
	})
	r.POST("/api/shutdown", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"data": "shutting down"})
		if shutdown != nil {
			go shutdown()
		}
	})
	return r
}

func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		log.Debug("request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.Request.URL.Path),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Serve runs the router on port until ctx is cancelled.
func Serve(ctx context.Context, port int, handler http.Handler) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("api server started", zap.Int("port", port))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
