// Package config assembles the runtime configuration of the accident monitor.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rakshak-ai/accident-monitor/internal/alert"
	"github.com/rakshak-ai/accident-monitor/internal/annotate"
	"github.com/rakshak-ai/accident-monitor/internal/detector"
	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/pipeline"
	"github.com/rakshak-ai/accident-monitor/internal/source"
)

// EnvPrefix prefixes every environment override, e.g. RAKSHAK_HTTP_ADDR.
const EnvPrefix = "RAKSHAK"

// Config is the full server configuration.
type Config struct {
	HTTP     HTTPConfig            `yaml:"http" mapstructure:"http"`
	Log      LogConfig             `yaml:"log" mapstructure:"log"`
	Pipeline pipeline.Config       `yaml:"pipeline" mapstructure:"pipeline"`
	Source   source.Config         `yaml:"source" mapstructure:"source"`
	Detector detector.RemoteConfig `yaml:"detector" mapstructure:"detector"`
	Annotate annotate.Options      `yaml:"annotate" mapstructure:"annotate"`
	Alert    AlertConfig           `yaml:"alert" mapstructure:"alert"`
	Store    StoreConfig           `yaml:"store" mapstructure:"store"`
	Recorder RecorderConfig        `yaml:"recorder" mapstructure:"recorder"`
	WebRTC   WebRTCConfig          `yaml:"webrtc" mapstructure:"webrtc"`
}

// HTTPConfig controls the web monitor listener.
type HTTPConfig struct {
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	AssetsDir      string        `yaml:"assets_dir" mapstructure:"assets_dir"`
	StatusInterval time.Duration `yaml:"status_interval" mapstructure:"status_interval"`
	MaxUploadMB    int64         `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	CORSOrigins    []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig mirrors the logger flags.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	Color bool   `yaml:"color" mapstructure:"color"`
}

// AlertConfig groups the notification channels.
type AlertConfig struct {
	SMS   alert.SMSConfig   `yaml:"sms" mapstructure:"sms"`
	Siren alert.SirenConfig `yaml:"siren" mapstructure:"siren"`
	Site  alert.Location    `yaml:"site" mapstructure:"site"`
}

// StoreConfig locates the accident database.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RecorderConfig controls evidence clips. Empty Dir disables recording.
type RecorderConfig struct {
	Dir          string        `yaml:"dir" mapstructure:"dir"`
	ClipDuration time.Duration `yaml:"clip_duration" mapstructure:"clip_duration"`
}

// WebRTCConfig controls the status data channel server.
type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" mapstructure:"stun_servers"`
	MaxClients  int      `yaml:"max_clients" mapstructure:"max_clients"`
}

// DefaultConfig returns the defaults of the Flask deployment.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:           ":5000",
			StatusInterval: time.Second,
			MaxUploadMB:    512,
			CORSOrigins:    []string{"*"},
		},
		Log:      LogConfig{Level: "info", Color: true},
		Pipeline: pipeline.DefaultConfig(),
		Source:   source.DefaultConfig(),
		Detector: detector.RemoteConfig{
			URL:           "http://localhost:8000/detect",
			MinConfidence: 0.25,
			JPEGQuality:   85,
			Timeout:       5 * time.Second,
		},
		Annotate: annotate.DefaultOptions(),
		Alert: AlertConfig{
			SMS: alert.SMSConfig{
				BaseURL:  "https://api.twilio.com",
				RetryMax: 3,
				Timeout:  10 * time.Second,
			},
			Siren: alert.SirenConfig{
				Path:   "siren.wav",
				Player: "aplay",
				Args:   []string{"-q"},
			},
			Site: alert.Location{Latitude: 28.6139, Longitude: 77.2090},
		},
		Store:    StoreConfig{Path: "accidents.db"},
		Recorder: RecorderConfig{Dir: "recordings", ClipDuration: 10 * time.Second},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
	}
}

// NewViper returns a viper instance seeded with DefaultConfig, so every key
// is known to AutomaticEnv.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	// Twilio variable names used by existing deployments.
	legacy := map[string]string{
		"alert.sms.account_sid": "TWILIO_SID",
		"alert.sms.auth_token":  "TWILIO_TOKEN",
		"alert.sms.from":        "TWILIO_FROM",
		"alert.sms.to":          "TWILIO_TO",
	}
	for key, env := range legacy {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, env); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Load reads .env (if present), the optional YAML file at path, and the
// environment, in increasing precedence.
func Load(v *viper.Viper, path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Main", "Failed to load .env: %v", err)
	}

	if v == nil {
		var err error
		if v, err = NewViper(); err != nil {
			return Config{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// DISABLE_SIREN is "1" in existing deployments; any other value enables the siren.
	if val, ok := os.LookupEnv("DISABLE_SIREN"); ok {
		cfg.Alert.Siren.Enabled = strings.TrimSpace(val) != "1"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("http.max_upload_mb must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if c.Source.UploadDir == "" {
		errs = append(errs, errors.New("source.upload_dir is required"))
	}
	if c.Source.FPS < 0 {
		errs = append(errs, errors.New("source.fps must not be negative"))
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		errs = append(errs, errors.New("detector.min_confidence must be within [0, 1]"))
	}
	if c.Annotate.JPEGQuality < 1 || c.Annotate.JPEGQuality > 100 {
		errs = append(errs, errors.New("annotate.jpeg_quality must be within [1, 100]"))
	}
	if c.Alert.Siren.Enabled && c.Alert.Siren.Path == "" {
		errs = append(errs, errors.New("alert.siren.path is required when the siren is enabled"))
	}
	if lat := c.Alert.Site.Latitude; lat < -90 || lat > 90 {
		errs = append(errs, errors.New("alert.site.latitude must be within [-90, 90]"))
	}
	if lng := c.Alert.Site.Longitude; lng < -180 || lng > 180 {
		errs = append(errs, errors.New("alert.site.longitude must be within [-180, 180]"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Recorder.Dir != "" && c.Recorder.ClipDuration <= 0 {
		errs = append(errs, errors.New("recorder.clip_duration must be positive"))
	}
	if c.WebRTC.MaxClients < 0 {
		errs = append(errs, errors.New("webrtc.max_clients must not be negative"))
	}
	return errors.Join(errs...)
}

// YAML renders the configuration with secrets masked.
func (c Config) YAML() ([]byte, error) {
	masked := c
	if masked.Alert.SMS.AuthToken != "" {
		masked.Alert.SMS.AuthToken = "********"
	}
	return yaml.Marshal(masked)
}
