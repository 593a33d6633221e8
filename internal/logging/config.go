package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
)

const (
	EnvLogLevel     = "ISORELAY_LOG_LEVEL"
	EnvLogTimestamp = "ISORELAY_LOG_TIMESTAMP"
	EnvLogNoColor   = "ISORELAY_LOG_NOCOLOR"
	EnvLogFormat    = "ISORELAY_LOG_FORMAT"

	FormatConsole = "console"
	FormatJSON    = "json"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger setup.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Format    string
	Out       io.Writer
}

// envOverrides mirrors the ISORELAY_LOG_* variables. Pointers distinguish
// unset from zero values.
type envOverrides struct {
	Level     string `env:"ISORELAY_LOG_LEVEL"`
	Timestamp *bool  `env:"ISORELAY_LOG_TIMESTAMP"`
	NoColor   *bool  `env:"ISORELAY_LOG_NOCOLOR"`
	Format    string `env:"ISORELAY_LOG_FORMAT"`
}

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure installs the process logger once. Later calls are no-ops.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := DefaultConfig(profile)
		if profile == ProfileRuntime {
			loadDotEnv()
		}
		if err := ApplyEnvOverrides(context.Background(), &cfg); err != nil {
			log.Warn().Err(err).Msg("logging env overrides ignored")
		}
		Install(cfg)
	})
}

func DefaultConfig(profile Profile) Config {
	cfg := Config{
		Format: FormatConsole,
		Out:    os.Stderr,
	}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

// ApplyEnvOverrides reads ISORELAY_LOG_* into cfg. Unparseable levels and
// formats are ignored and the defaults kept.
func ApplyEnvOverrides(ctx context.Context, cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}
	if lvl, ok := ParseLevel(env.Level); ok {
		cfg.Level = lvl
	}
	if env.Timestamp != nil {
		cfg.Timestamp = *env.Timestamp
	}
	if env.NoColor != nil {
		cfg.NoColor = *env.NoColor
	}
	switch strings.ToLower(strings.TrimSpace(env.Format)) {
	case FormatJSON:
		cfg.Format = FormatJSON
	case FormatConsole:
		cfg.Format = FormatConsole
	}
	return nil
}

// Install replaces the global zerolog logger.
func Install(cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != FormatJSON {
		cw := zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
		if !cfg.Timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	zerolog.SetGlobalLevel(cfg.Level)
	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Str("app", "iso-relayer").Logger()
	log.Logger = logger
	return logger
}

// SetLevel adjusts the global level after Configure, e.g. from the relay
// config's monitoring.log_level.
func SetLevel(raw string) bool {
	lvl, ok := ParseLevel(raw)
	if ok {
		zerolog.SetGlobalLevel(lvl)
	}
	return ok
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// loadDotEnv reads .env when present; variables already set win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("logging .env ignored")
	}
}
