package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"DetStreamClient/api"
	"DetStreamClient/capture"
	"DetStreamClient/client"
	"DetStreamClient/config"
	"DetStreamClient/emitter"
	"DetStreamClient/health"
	iface "DetStreamClient/interface"
	"DetStreamClient/logger"
	"DetStreamClient/monitor"
	"DetStreamClient/registry"
	"DetStreamClient/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newSource(cfg *config.Config) iface.FrameSource {
	if cfg.SourceFile != "" {
		return capture.NewStillSource(cfg.SourceFile)
	}
	return capture.NewCameraSource(cfg.CameraDevice, 0, 0)
}

func newResolver(cfg *config.Config) (client.Resolver, error) {
	if cfg.Endpoint != "" {
		return nil, nil
	}
	reg, err := registry.New(cfg.RegistryURL)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (string, error) {
		return reg.Resolve(ctx, cfg.UserID, cfg.PairingToken)
	}, nil
}

// initLogger keeps the mode presets unless a level is configured explicitly.
func initLogger(cfg *config.Config) error {
	switch {
	case cfg.LogLevel != "":
		return logger.Init(cfg.LogMode, cfg.LogLevel)
	case cfg.LogMode == "development":
		return logger.InitDevelopment()
	default:
		return logger.InitProduction()
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config file:", err)
		os.Exit(1)
	}
	if err := initLogger(cfg); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("main")
	logger.S().Infow("config loaded", "path", *configPath, "mode", cfg.LogMode)

	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" API     Port:", cfg.APIPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println(" Health  Port:", cfg.HealthPort)
	if cfg.Endpoint != "" {
		fmt.Println(" Endpoint    :", cfg.Endpoint)
	} else {
		fmt.Println(" Registry    :", cfg.RegistryURL)
	}
	fmt.Println(" Protocol    :", cfg.Shape())
	fmt.Println(strings.Repeat("#", 64))

	resolver, err := newResolver(cfg)
	if err != nil {
		log.Fatal("endpoint resolution unavailable", zap.Error(err))
	}

	metrics := monitor.New()
	c := client.New(newSource(cfg), session.Factory(cfg.Shape(), nil), client.Options{
		Endpoint:   cfg.Endpoint,
		Credential: cfg.Credential,
		Resolver:   resolver,
		Quality:    cfg.JpegQuality,
		Capture:    metrics,
		Session:    metrics,
	})
	if err := c.SetViewport(cfg.ViewportWidth, cfg.ViewportHeight); err != nil {
		log.Fatal("invalid viewport", zap.Error(err))
	}
	c.SetVisionMode(cfg.Mode())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		metrics.StartMon(cfg.MetricsPort, ctx)
	}()

	healthSrv, err := health.StartGRPCServer(cfg.HealthPort)
	if err != nil {
		log.Fatal("health server", zap.Error(err))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthSrv.Follow(ctx, c.Session()); err != nil {
			log.Error("health follow", zap.Error(err))
		}
	}()

	if cfg.MQTT.Enabled() {
		mq := emitter.NewMQTTEmitter(cfg.MQTT)
		if err := mq.Connect(); err != nil {
			log.Warn("mqtt unavailable, events will not be published", zap.Error(err))
		}
		fwd, err := emitter.Attach(c.Session(), mq)
		if err != nil {
			log.Error("mqtt forwarder", zap.Error(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = fwd.Run(ctx)
				mq.Disconnect()
			}()
		}
	} else {
		fmt.Println("MQTT Broker is not set, skipping event publishing")
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	shutdown := func() { stopOnce.Do(func() { close(stop) }) }

	if cfg.LogMode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Serve(ctx, cfg.APIPort, api.NewRouter(c, shutdown)); err != nil {
			log.Error("api server", zap.Error(err))
			shutdown()
		}
	}()

	if cfg.AutoStart {
		if err := c.EnableCapture(ctx); err != nil {
			log.Warn("auto start failed", zap.Error(err), zap.String("hint", c.View().Hint))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("signal received", zap.String("signal", s.String()))
	case <-stop:
		log.Info("shutdown requested")
	}

	if err := c.Close(); err != nil {
		log.Warn("client teardown", zap.Error(err))
	}
	cancel()
	healthSrv.GracefulStop()
	fmt.Println("Done")
	wg.Wait()
	fmt.Println("Safely exited")
}
