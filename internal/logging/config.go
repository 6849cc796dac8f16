package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "SHARDMESH_LOG_LEVEL"
	EnvLogTimestamp = "SHARDMESH_LOG_TIMESTAMP"
	EnvLogNoColor   = "SHARDMESH_LOG_NOCOLOR"
	EnvLogJSON      = "SHARDMESH_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger setup. Env values override profile defaults
// only when set.
type Config struct {
	Level     string `env:"SHARDMESH_LOG_LEVEL"`
	Timestamp *bool  `env:"SHARDMESH_LOG_TIMESTAMP"`
	NoColor   *bool  `env:"SHARDMESH_LOG_NOCOLOR"`
	JSON      *bool  `env:"SHARDMESH_LOG_JSON"`
}

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		var overrides Config
		if err := env.Parse(&overrides); err != nil {
			log.Warn().Err(err).Msg("logging.Configure ignoring invalid env overrides")
			overrides = Config{}
		}
		log.Logger = build(profile, overrides, os.Stderr)
	})
}

func build(profile Profile, overrides Config, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	timestamp := true
	if profile == ProfileTest {
		level = zerolog.DebugLevel
		timestamp = false
	}
	if lvl, ok := parseLevel(overrides.Level); ok {
		level = lvl
	}
	if overrides.Timestamp != nil {
		timestamp = *overrides.Timestamp
	}

	var w io.Writer = out
	if overrides.JSON == nil || !*overrides.JSON {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		if overrides.NoColor != nil {
			cw.NoColor = *overrides.NoColor
		}
		w = cw
	}

	ctx := zerolog.New(w).Level(level).With()
	if timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
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
