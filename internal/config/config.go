// Package config loads the control plane's runtime configuration from
// the environment, following the same getEnvOrDefault/validate shape the
// teacher uses for its database config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the umbrella object the control plane binaries build their
// components from.
type Config struct {
	StoreDSN     string
	StoreMaxConns int32

	RuntimeHost string // empty uses the environment default (DOCKER_HOST)

	TokenIssuer string
	TokenSecret []byte

	SnapshotsRoot string
	SandboxImage  string

	DefaultIdleTimeout time.Duration

	AutoTerminateInterval time.Duration
	TaskTimeoutInterval   time.Duration
	HealthSweepInterval   time.Duration

	RequestWorkerCount     int
	RequestWorkerBatchSize int

	InferenceURL          string
	InferenceModel        string
	InferenceAPIKey       string
	InferenceTimeout      time.Duration

	APIURL   string
	HostName string
	HostURL  string

	MetricsAddr string
}

// Load reads configuration from the process environment, loading a .env
// file first if present (ignored if absent — mirrors the teacher's
// godotenv.Load() call in cmd/tarsy/main.go).
func Load() (*Config, error) {
	_ = godotenv.Load()

	storeMaxConns, err := strconv.Atoi(getEnvOrDefault("TSBX_STORE_MAX_CONNS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid TSBX_STORE_MAX_CONNS: %w", err)
	}

	idleTimeout, err := parseDuration("TSBX_DEFAULT_IDLE_TIMEOUT", "15m")
	if err != nil {
		return nil, err
	}
	autoTerminate, err := parseDuration("TSBX_AUTO_TERMINATE_INTERVAL", "10s")
	if err != nil {
		return nil, err
	}
	taskTimeout, err := parseDuration("TSBX_TASK_TIMEOUT_INTERVAL", "5s")
	if err != nil {
		return nil, err
	}
	healthSweep, err := parseDuration("TSBX_HEALTH_SWEEP_INTERVAL", "10s")
	if err != nil {
		return nil, err
	}
	inferenceTimeoutSecs, err := strconv.Atoi(getEnvOrDefault("TSBX_INFERENCE_TIMEOUT_SECS", "120"))
	if err != nil {
		return nil, fmt.Errorf("invalid TSBX_INFERENCE_TIMEOUT_SECS: %w", err)
	}
	inferenceTimeout := time.Duration(inferenceTimeoutSecs) * time.Second

	workerCount, err := strconv.Atoi(getEnvOrDefault("TSBX_REQUEST_WORKER_COUNT", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid TSBX_REQUEST_WORKER_COUNT: %w", err)
	}
	workerBatch, err := strconv.Atoi(getEnvOrDefault("TSBX_REQUEST_WORKER_BATCH_SIZE", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid TSBX_REQUEST_WORKER_BATCH_SIZE: %w", err)
	}

	cfg := &Config{
		StoreDSN:               os.Getenv("TSBX_STORE_DSN"),
		StoreMaxConns:           int32(storeMaxConns),
		RuntimeHost:             os.Getenv("TSBX_RUNTIME_HOST"),
		TokenIssuer:             getEnvOrDefault("TSBX_TOKEN_ISSUER", "tsbx-control-plane"),
		TokenSecret:             []byte(os.Getenv("TSBX_TOKEN_SECRET")),
		SnapshotsRoot:           getEnvOrDefault("TSBX_SNAPSHOTS_ROOT", "/var/lib/tsbx/snapshots"),
		SandboxImage:            getEnvOrDefault("TSBX_SANDBOX_IMAGE", "tsbx-agent:latest"),
		DefaultIdleTimeout:      idleTimeout,
		AutoTerminateInterval:   autoTerminate,
		TaskTimeoutInterval:     taskTimeout,
		HealthSweepInterval:     healthSweep,
		RequestWorkerCount:      workerCount,
		RequestWorkerBatchSize:  workerBatch,
		InferenceURL:            os.Getenv("TSBX_INFERENCE_URL"),
		InferenceModel:          os.Getenv("TSBX_INFERENCE_MODEL"),
		InferenceAPIKey:         os.Getenv("TSBX_INFERENCE_API_KEY"),
		InferenceTimeout:        inferenceTimeout,
		APIURL:                  os.Getenv("TSBX_API_URL"),
		HostName:                getEnvOrDefault("TSBX_HOST_NAME", "tsbx"),
		HostURL:                 os.Getenv("TSBX_HOST_URL"),
		MetricsAddr:             getEnvOrDefault("TSBX_METRICS_ADDR", ":9090"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StoreDSN == "" {
		return fmt.Errorf("TSBX_STORE_DSN is required")
	}
	if len(c.TokenSecret) == 0 {
		return fmt.Errorf("TSBX_TOKEN_SECRET is required")
	}
	if c.APIURL == "" {
		return fmt.Errorf("TSBX_API_URL is required")
	}
	if c.RequestWorkerCount < 1 {
		return fmt.Errorf("TSBX_REQUEST_WORKER_COUNT must be at least 1")
	}
	return nil
}

func parseDuration(key, defaultVal string) (time.Duration, error) {
	raw := getEnvOrDefault(key, defaultVal)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
