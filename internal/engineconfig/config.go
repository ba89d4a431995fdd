// Package engineconfig is the handle-level configuration surface: it
// holds parallel_downloads, disable_dl_timeout, and the filesystem/
// network knobs the drivers read at start-up. It is loaded from TOML
// and may be overridden by environment variables via "env" struct
// tags.
package engineconfig

import (
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

const (
	defaultParallelDownloads = 1
	defaultLowSpeedLimit     = 1 // bytes/second
	defaultLowSpeedWindow    = 10 * time.Second
	defaultConnectTimeout    = 10 * time.Second
)

// Config is the top-level, TOML-decodable configuration object.
type Config struct {
	// CacheDir is the local file cache directory payloads are
	// downloaded into.
	CacheDir string `toml:"cache_dir" env:"ALPMFETCH_CACHE_DIR"`

	// ParallelDownloads bounds how many payloads Scheduler.RunAll admits
	// concurrently. Must be >= 1.
	ParallelDownloads int `toml:"parallel_downloads" env:"ALPMFETCH_PARALLEL_DOWNLOADS"`

	// DisableDLTimeout disables the low-speed floor abort.
	DisableDLTimeout bool `toml:"disable_dl_timeout" env:"ALPMFETCH_DISABLE_DL_TIMEOUT"`

	// UserAgent overrides the default User-Agent sent with every
	// request. If empty, HTTP_USER_AGENT from the process environment
	// is used instead (see ApplyProcessEnvironment).
	UserAgent string `toml:"user_agent,omitempty"`

	// LowSpeedLimit and LowSpeedWindow define the low-speed floor:
	// transfers sustaining fewer than LowSpeedLimit bytes/second across
	// LowSpeedWindow are aborted, unless DisableDLTimeout is set.
	LowSpeedLimit  int64         `toml:"low_speed_limit,omitempty"`
	LowSpeedWindow time.Duration `toml:"low_speed_window,omitempty"`

	// ConnectTimeout is decoded and defaulted here, but cmd/alpmfetch
	// builds its HTTP client from transport.DefaultClientConfig, so the
	// fixed 10s connect timeout applies whatever this field holds.
	ConnectTimeout time.Duration `toml:"connect_timeout,omitempty"`

	// Log configures the process-wide slog logger.
	Log LogConfig `toml:"log"`
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level" env:"ALPMFETCH_LOG_LEVEL"`
	Format string `toml:"format" env:"ALPMFETCH_LOG_FORMAT"`
}

// Apply configures the global slog logger based on the configuration.
func (lc *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + lc.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(lc.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + lc.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Default returns a Config with this engine's mandated defaults: one
// download at a time, a 1 B/s floor sustained over 10s, and a 10s
// connect timeout.
func Default() Config {
	return Config{
		ParallelDownloads: defaultParallelDownloads,
		LowSpeedLimit:     defaultLowSpeedLimit,
		LowSpeedWindow:    defaultLowSpeedWindow,
		ConnectTimeout:    defaultConnectTimeout,
	}
}

// Load decodes a Config from the TOML file at path, applying process
// environment overrides afterward, and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errors.Wrap(err, "engineconfig: decode "+path)
	}
	if err := c.ApplyEnvironmentVariables(); err != nil {
		return nil, errors.Wrap(err, "engineconfig: apply environment")
	}
	c.ApplyProcessEnvironment()
	if err := c.Check(); err != nil {
		return nil, errors.Wrap(err, "engineconfig: validate")
	}
	return &c, nil
}

// ApplyProcessEnvironment applies HTTP_USER_AGENT to UserAgent if the
// latter is unset.
func (c *Config) ApplyProcessEnvironment() {
	if c.UserAgent == "" {
		if ua := os.Getenv("HTTP_USER_AGENT"); ua != "" {
			c.UserAgent = ua
		}
	}
}

// Check validates the configuration for consistency.
func (c *Config) Check() error {
	if c.CacheDir == "" {
		return errors.New("cache_dir is not set")
	}
	if c.ParallelDownloads < 1 {
		return errors.New("parallel_downloads must be >= 1")
	}
	return nil
}

// ApplyEnvironmentVariables applies environment variables to the
// configuration, following "env" struct tags. Environment variables
// override TOML configuration values.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnvToStruct(c)
}

// applyEnvToStruct recursively applies environment variables to struct
// fields based on "env" tags using reflection.
func applyEnvToStruct(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return errors.New("applyEnvToStruct requires a pointer to struct")
	}

	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag != "" {
			if err := setFieldFromEnv(field, envTag); err != nil {
				return errors.New("failed to set field " + fieldType.Name + " from environment: " + err.Error())
			}
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field.Addr().Interface()); err != nil {
				return err
			}
		}
	}

	return nil
}

// setFieldFromEnv sets a struct field value from an environment
// variable, leaving it untouched when the variable is unset.
func setFieldFromEnv(field reflect.Value, envVar string) error {
	envValue := os.Getenv(envVar)
	if envValue == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)

	case reflect.Int, reflect.Int64:
		// time.Duration is an int64 underneath; accept either a plain
		// integer or a Go duration string ("500ms") for it.
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(envValue)
			if err != nil {
				return errors.New("invalid duration value for " + envVar + ": " + envValue)
			}
			field.SetInt(int64(d))
			return nil
		}
		intVal, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return errors.New("invalid integer value for " + envVar + ": " + envValue)
		}
		field.SetInt(intVal)

	case reflect.Bool:
		boolVal, err := strconv.ParseBool(envValue)
		if err != nil {
			return errors.New("invalid boolean value for " + envVar + ": " + envValue)
		}
		field.SetBool(boolVal)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(envValue, ",")
			values := make([]string, len(parts))
			for i, part := range parts {
				values[i] = strings.TrimSpace(part)
			}
			field.Set(reflect.ValueOf(values))
		} else {
			return errors.New("unsupported slice type for environment variable")
		}

	default:
		return errors.New("unsupported field type: " + field.Kind().String())
	}

	return nil
}
