package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerOnce sync.Once
	logger     *zap.Logger
)

// InitLogger builds the shared structured logger. environment "production"
// selects JSON encoding with sampling; anything else gets the development
// console encoder.
func InitLogger(environment, level string) *zap.Logger {
	loggerOnce.Do(func() {
		var cfg zap.Config
		if environment == "production" {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			cfg.DisableStacktrace = true
		} else {
			cfg = zap.NewDevelopmentConfig()
		}
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}

		built, err := cfg.Build()
		if err != nil {
			panic("obs: build logger: " + err.Error())
		}
		logger = built
		zap.ReplaceGlobals(logger)
	})
	return logger
}

// Logger returns the shared logger, initializing a development logger if
// InitLogger was never called (tests, small tools).
func Logger() *zap.Logger {
	if logger == nil {
		return InitLogger("development", "debug")
	}
	return logger
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
