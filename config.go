package gotov8

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yejune/gotov8/internal/cache"
	"github.com/yejune/gotov8/internal/transcode"
)

// DefaultReferenceDomain is the reference domain used when the caller's context names none.
const DefaultReferenceDomain = "_v8_save"

// Config is the config for starting the engine
type Config struct {
	AppEnv          string            `envconfig:"APP_ENV" default:"development"` // "production" or "development"
	LogLevel        string            `envconfig:"LOG_LEVEL" default:"info"`      // debug, info, warn or error
	V8Flags         []string          `envconfig:"V8_FLAGS"`                      // Flags passed to V8 once per process, e.g. "--max-old-space-size=256"
	StackFrameLimit int               `envconfig:"STACK_FRAME_LIMIT" default:"300"`
	BinaryCharset   string            `envconfig:"BINARY_CHARSET" default:"utf-8"` // Charset used to turn []byte into guest strings
	ReferenceDomain string            `envconfig:"REFERENCE_DOMAIN" default:"_v8_save"`
	NoModuleShim    bool              `envconfig:"NO_MODULE_SHIM"` // Skip installing module/exports globals before user code
	Transpile       bool              `envconfig:"TRANSPILE"`      // Run every source through esbuild, not only .ts/.tsx/.jsx labels
	TranspileTarget string            `envconfig:"TRANSPILE_TARGET" default:"es2020"`
	CacheConfig     cache.CacheConfig `envconfig:"CACHE"` // Cache configuration (local, redis or none)
	// Hot reload options (dev builds only):
	// WatchDir is watched for script changes, reload notifications are pushed
	// to websocket clients on HotReloadServerPort.
	WatchDir            string `envconfig:"WATCH_DIR"`
	HotReloadServerPort int    `envconfig:"HOT_RELOAD_PORT" default:"3001"`

	Logger     *slog.Logger          `ignored:"true"` // Overrides the default stderr text logger
	Registerer prometheus.Registerer `ignored:"true"` // Metrics registry, a private one by default
}

// LoadConfig reads the config from GOTOV8_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("gotov8", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process config: %w", err)
	}
	return cfg, nil
}

// Validate validates the config and fills in defaults
func (c *Config) Validate() error {
	if c.AppEnv == "" {
		c.AppEnv = "development"
	}
	if c.AppEnv != "production" && c.AppEnv != "development" {
		return fmt.Errorf("app env must be production or development, got %q", c.AppEnv)
	}
	if c.StackFrameLimit == 0 {
		c.StackFrameLimit = 300
	}
	if c.StackFrameLimit < 0 {
		return fmt.Errorf("stack frame limit must be positive, got %d", c.StackFrameLimit)
	}
	if c.ReferenceDomain == "" {
		c.ReferenceDomain = DefaultReferenceDomain
	}
	if c.BinaryCharset == "" {
		c.BinaryCharset = "utf-8"
	}
	if _, err := transcode.New(c.BinaryCharset); err != nil {
		return err
	}
	if c.TranspileTarget == "" {
		c.TranspileTarget = "es2020"
	}
	if c.HotReloadServerPort == 0 {
		c.HotReloadServerPort = 3001
	}
	if c.WatchDir != "" && !checkPathExists(c.WatchDir) {
		return fmt.Errorf("watch dir at %s does not exist", c.WatchDir)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether dev tooling is disabled.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

func checkPathExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
