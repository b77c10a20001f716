package hslog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetupLogLevels initializes process-wide logging before any component
// goroutine starts. The GOLOG_LOG_LEVEL environment variable still takes
// precedence over the configured level, matching go-log behavior.
func SetupLogLevels(level string, style string) {
	cfg := logging.GetConfig()
	cfg.Stderr = true
	cfg.Stdout = false
	switch style {
	case "system":
		cfg.Format = logging.JSONOutput
	case "detailed":
		cfg.Format = logging.ColorizedOutput
	default:
		cfg.Format = logging.ColorizedOutput
	}
	logging.SetupLogging(cfg)

	if _, ok := os.LookupEnv("GOLOG_LOG_LEVEL"); ok {
		return
	}
	if _, set := levelFromString(level); !set {
		level = "warn"
	}
	_ = logging.SetLogLevel("*", level)
}

func levelFromString(level string) (zapcore.Level, bool) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.WarnLevel, false
	}
	return lvl, true
}
