package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	iface "DetStreamClient/interface"
	"DetStreamClient/session"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIPort     = 8080
	DefaultMetricsPort = 9091
	DefaultHealthPort  = 50051
	DefaultJpegQuality = 80
	DefaultViewport    = iface.DetectorSize
	DefaultMQTTTopic   = "detstream"
)

// Config mirrors config.yaml.
type Config struct {
	RegistryURL  string `yaml:"RegistryURL"`
	UserID       string `yaml:"UserID"`
	PairingToken string `yaml:"PairingToken"`
	Endpoint     string `yaml:"Endpoint"`
	Credential   string `yaml:"Credential"`
	Protocol     string `yaml:"Protocol"`

	CameraDevice int    `yaml:"CameraDevice"`
	SourceFile   string `yaml:"SourceFile"`
	JpegQuality  int    `yaml:"JpegQuality"`
	AutoStart    bool   `yaml:"AutoStart"`

	ViewportWidth  int    `yaml:"ViewportWidth"`
	ViewportHeight int    `yaml:"ViewportHeight"`
	VisionMode     string `yaml:"VisionMode"`

	APIPort     int `yaml:"APIPort"`
	MetricsPort int `yaml:"MetricsPort"`
	HealthPort  int `yaml:"HealthPort"`

	LogMode  string `yaml:"LogMode"`
	LogLevel string `yaml:"LogLevel"`

	MQTT MQTTConfig `yaml:"MQTT"`
}

type MQTTConfig struct {
	Broker   string `yaml:"Broker"`
	Topic    string `yaml:"Topic"`
	Username string `yaml:"Username"`
	Password string `yaml:"Password"`
}

func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and reports every invalid field at once.
func (c *Config) Validate() error {
	var errs error
	c.RegistryURL = strings.TrimSpace(c.RegistryURL)
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if c.Endpoint == "" {
		if c.RegistryURL == "" {
			errs = multierr.Append(errs, iface.ErrMissingRegistry)
		}
		if c.UserID == "" {
			errs = multierr.Append(errs, errors.New("UserID is required when resolving through the registry"))
		}
	} else if _, err := session.WebsocketURL(c.Endpoint); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("Endpoint: %w", err))
	}
	if _, err := session.ParseShape(c.Protocol); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.VisionMode == "" {
		c.VisionMode = iface.Normal.String()
	}
	if _, err := iface.ParseVisionMode(c.VisionMode); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.CameraDevice < 0 {
		errs = multierr.Append(errs, fmt.Errorf("invalid CameraDevice %d", c.CameraDevice))
	}
	if c.JpegQuality <= 0 || c.JpegQuality > 100 {
		c.JpegQuality = DefaultJpegQuality
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = DefaultViewport
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = DefaultViewport
	}
	c.APIPort = defaultPort(c.APIPort, DefaultAPIPort)
	c.MetricsPort = defaultPort(c.MetricsPort, DefaultMetricsPort)
	c.HealthPort = defaultPort(c.HealthPort, DefaultHealthPort)
	if c.LogMode == "" {
		c.LogMode = "production"
	}
	if c.MQTT.Enabled() && c.MQTT.Topic == "" {
		c.MQTT.Topic = DefaultMQTTTopic
	}
	return errs
}

// Shape returns the validated protocol shape.
func (c *Config) Shape() session.Shape {
	s, _ := session.ParseShape(c.Protocol)
	return s
}

// Mode returns the validated vision mode.
func (c *Config) Mode() iface.VisionMode {
	m, _ := iface.ParseVisionMode(c.VisionMode)
	return m
}

func defaultPort(port, def int) int {
	if port <= 0 || port > 65535 {
		return def
	}
	return port
}
