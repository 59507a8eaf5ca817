// Package config loads the local client's configuration from environment
// variables (with an optional .env file), matching the teacher's
// getenv/getbool/getdur pattern used identically across
// services/{auth,keys,messages,gateway}/internal/config.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the client process's full runtime configuration.
type Config struct {
	DatabasePath string
	RelayBaseURL string
	LogLevel     string
	Environment  string
	ServiceName  string

	TransientRetryMax      int
	TransientRetryInterval time.Duration
	PlaceholderRevealMs    time.Duration
	SkippedKeysPerChainMax int

	KeyringServiceName string
	MetricsEnabled     bool
	MetricsAddr        string
}

// Load reads .env (if present, ignored if absent) then environment
// variables, falling back to sane local defaults.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DatabasePath:           getenv("SECUREMSG_DB_PATH", "securemsg.db"),
		RelayBaseURL:           getenv("SECUREMSG_RELAY_URL", ""),
		LogLevel:               getenv("SECUREMSG_LOG_LEVEL", "info"),
		Environment:            getenv("SECUREMSG_ENV", "development"),
		ServiceName:            getenv("SECUREMSG_SERVICE_NAME", "securemsg-client"),
		TransientRetryMax:      getint("SECUREMSG_TRANSIENT_RETRY_MAX", 2),
		TransientRetryInterval: getdur("SECUREMSG_TRANSIENT_RETRY_INTERVAL", 2000*time.Millisecond),
		PlaceholderRevealMs:    getdur("SECUREMSG_PLACEHOLDER_REVEAL", 600*time.Millisecond),
		SkippedKeysPerChainMax: getint("SECUREMSG_SKIP_CAP", 100),
		KeyringServiceName:     getenv("SECUREMSG_KEYRING_SERVICE", "securemsg"),
		MetricsEnabled:         getbool("SECUREMSG_METRICS_ENABLED", false),
		MetricsAddr:            getenv("SECUREMSG_METRICS_ADDR", ":9090"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getdur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
