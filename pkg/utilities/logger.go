package utilities

import (
	"fmt"
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string
	Dev   bool
	// File enables a rotated file sink in addition to stdout when non-empty.
	File         string
	FileMaxAge   time.Duration
	FileRotation time.Duration
}

// ConfigFromEnv reads minimal config from env vars.
func ConfigFromEnv() Config {
	dev := os.Getenv("LOG_DEV") == "1"
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		if dev {
			lvl = "debug"
		} else {
			lvl = "info"
		}
	}
	cfg := Config{
		Level:        lvl,
		Dev:          dev,
		File:         os.Getenv("LOG_FILE"),
		FileMaxAge:   7 * 24 * time.Hour,
		FileRotation: 24 * time.Hour,
	}
	if d, err := time.ParseDuration(os.Getenv("LOG_FILE_MAX_AGE")); err == nil && d > 0 {
		cfg.FileMaxAge = d
	}
	if d, err := time.ParseDuration(os.Getenv("LOG_FILE_ROTATION")); err == nil && d > 0 {
		cfg.FileRotation = d
	}
	return cfg
}

func levelFromString(l string) zapcore.Level {
	switch l {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init initializes and returns a *zap.Logger
func Init(cfg Config) (*zap.Logger, error) {
	lvl := levelFromString(cfg.Level)
	if cfg.Dev && cfg.File == "" {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(lvl)
		return c.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var consoleEnc zapcore.Encoder
	if cfg.Dev {
		consoleEnc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encoderCfg)
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, zapcore.AddSync(os.Stdout), lvl)}

	if cfg.File != "" {
		w, err := newRotatingWriter(cfg)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(w), lvl))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

// newRotatingWriter returns a writer that rolls cfg.File into dated siblings
// (e.g. auth.log.20260115) and keeps a symlink at cfg.File pointing at the live one.
func newRotatingWriter(cfg Config) (*rotatelogs.RotateLogs, error) {
	w, err := rotatelogs.New(
		cfg.File+".%Y%m%d%H%M",
		rotatelogs.WithLinkName(cfg.File),
		rotatelogs.WithMaxAge(cfg.FileMaxAge),
		rotatelogs.WithRotationTime(cfg.FileRotation),
	)
	if err != nil {
		return nil, fmt.Errorf("open rotating log %s: %w", cfg.File, err)
	}
	return w, nil
}
