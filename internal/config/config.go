package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr       = "127.0.0.1:7878"
	defaultDataDir          = "~/.local/share/solo"
	defaultReconcileSpec    = "@every 5m"
	defaultProbeConcurrency = 4
	defaultRequestTimeout   = 3 * time.Second
	defaultQueueSize        = 64
	defaultRetryDelay       = 250 * time.Millisecond
	defaultRetryAttempts    = 8
	defaultMinVolume        = 0.05
	defaultAPIRate          = 20
	defaultAPIBurst         = 40
)

// fileConfig mirrors the optional YAML file
type fileConfig struct {
	ListenAddr       string         `yaml:"listenAddr"`
	DataDir          string         `yaml:"dataDir"`
	Reconcile        string         `yaml:"reconcile"`
	ProbeConcurrency int            `yaml:"probeConcurrency"`
	RequestTimeout   string         `yaml:"requestTimeout"`
	QueueSize        int            `yaml:"queueSize"`
	SpeedRetry       retryConfig    `yaml:"speedRetry"`
	MinVolume        *float64       `yaml:"minVolume"`
	APIRateLimit     rateConfig     `yaml:"apiRateLimit"`
	Settings         map[string]any `yaml:"settings"`
}

type retryConfig struct {
	Delay    string `yaml:"delay"`
	Attempts int    `yaml:"attempts"`
}

type rateConfig struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

// AppConfig holds application configuration
type AppConfig struct {
	ListenAddr       string
	DataDir          string
	ReconcileSpec    string
	ProbeConcurrency int
	RequestTimeout   time.Duration
	QueueSize        int
	RetryDelay       time.Duration
	RetryAttempts    int
	MinVolume        float64
	APIRate          float64
	APIBurst         int
	Debug            bool

	// File is the YAML file read at startup, empty when none is configured
	File string
	// Settings is the file's settings: section, applied to the store at startup
	Settings map[string]any
}

// NewAppConfig loads .env, then the SOLO_* environment, then the YAML file
// named by SOLO_CONFIG. Environment values win over the file.
func NewAppConfig(logger *zap.Logger) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to read .env", zap.Error(err))
	}
	cfg, err := Load(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("listenAddr", cfg.ListenAddr),
		zap.String("dataDir", cfg.DataDir),
		zap.String("reconcile", cfg.ReconcileSpec),
		zap.String("file", cfg.File),
		zap.Int("settingsKeys", len(cfg.Settings)))
	return cfg, nil
}

// Load builds the configuration from lookup, which has the shape of os.LookupEnv.
func Load(lookup func(string) (string, bool)) (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:       defaultListenAddr,
		DataDir:          defaultDataDir,
		ReconcileSpec:    defaultReconcileSpec,
		ProbeConcurrency: defaultProbeConcurrency,
		RequestTimeout:   defaultRequestTimeout,
		QueueSize:        defaultQueueSize,
		RetryDelay:       defaultRetryDelay,
		RetryAttempts:    defaultRetryAttempts,
		MinVolume:        defaultMinVolume,
		APIRate:          defaultAPIRate,
		APIBurst:         defaultAPIBurst,
	}

	if path, ok := lookup("SOLO_CONFIG"); ok && path != "" {
		cfg.File = expandPath(path)
		if err := cfg.applyFile(cfg.File); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.DataDir = expandPath(cfg.DataDir)
	return cfg, nil
}

func (c *AppConfig) applyFile(path string) error {
	fc, err := readFile(path)
	if err != nil {
		return err
	}
	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.Reconcile != "" {
		c.ReconcileSpec = fc.Reconcile
	}
	if fc.ProbeConcurrency > 0 {
		c.ProbeConcurrency = fc.ProbeConcurrency
	}
	if fc.RequestTimeout != "" {
		d, err := time.ParseDuration(fc.RequestTimeout)
		if err != nil {
			return fmt.Errorf("config %s: requestTimeout: %w", path, err)
		}
		c.RequestTimeout = d
	}
	if fc.QueueSize > 0 {
		c.QueueSize = fc.QueueSize
	}
	if fc.SpeedRetry.Delay != "" {
		d, err := time.ParseDuration(fc.SpeedRetry.Delay)
		if err != nil {
			return fmt.Errorf("config %s: speedRetry.delay: %w", path, err)
		}
		c.RetryDelay = d
	}
	if fc.SpeedRetry.Attempts > 0 {
		c.RetryAttempts = fc.SpeedRetry.Attempts
	}
	if fc.MinVolume != nil {
		c.MinVolume = *fc.MinVolume
	}
	if fc.APIRateLimit.PerSecond > 0 {
		c.APIRate = fc.APIRateLimit.PerSecond
	}
	if fc.APIRateLimit.Burst > 0 {
		c.APIBurst = fc.APIRateLimit.Burst
	}
	c.Settings = fc.Settings
	return nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SOLO_LISTEN_ADDR", &c.ListenAddr)
	str("SOLO_DATA_DIR", &c.DataDir)
	str("SOLO_RECONCILE", &c.ReconcileSpec)

	ints := []struct {
		key string
		dst *int
	}{
		{"SOLO_PROBE_CONCURRENCY", &c.ProbeConcurrency},
		{"SOLO_QUEUE_SIZE", &c.QueueSize},
		{"SOLO_SPEED_RETRY_ATTEMPTS", &c.RetryAttempts},
		{"SOLO_API_BURST", &c.APIBurst},
	}
	for _, e := range ints {
		if v, ok := lookup(e.key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("%s: expected a positive integer, got %q", e.key, v)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SOLO_REQUEST_TIMEOUT", &c.RequestTimeout},
		{"SOLO_SPEED_RETRY_DELAY", &c.RetryDelay},
	}
	for _, e := range durations {
		if v, ok := lookup(e.key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = d
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"SOLO_MIN_VOLUME", &c.MinVolume},
		{"SOLO_API_RATE", &c.APIRate},
	}
	for _, e := range floats {
		if v, ok := lookup(e.key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = f
		}
	}

	if v, ok := lookup("SOLO_DEBUG"); ok {
		c.Debug = v == "1" || v == "true"
	}
	return nil
}

// readFile parses the YAML configuration file
func readFile(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

// expandPath resolves environment variables and a leading ~
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}

// GetListenAddr returns the control API address
func (c *AppConfig) GetListenAddr() string {
	return c.ListenAddr
}

// GetDataDir returns the directory holding the settings stores
func (c *AppConfig) GetDataDir() string {
	return c.DataDir
}

// GetReconcileSpec returns the cron spec for reconciliation passes
func (c *AppConfig) GetReconcileSpec() string {
	return c.ReconcileSpec
}
