package log

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level of the process logger.
type Config struct {
	// Environment is "production" (JSON) or "development" (console, colored levels).
	Environment string `mapstructure:"Environment"`
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"Level"`
	// Outputs are zap sink URLs, stdout when empty.
	Outputs []string `mapstructure:"Outputs"`
}

// Logger is a thin wrapper over zap's sugared logger.
type Logger struct {
	x *zap.SugaredLogger
}

var root atomic.Pointer[Logger]

// Init builds the process logger from cfg and installs it as the default.
func Init(cfg Config) (*Logger, error) {
	l, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	root.Store(l)
	return l, nil
}

// NewLogger builds a logger without touching the default one.
func NewLogger(cfg Config) (*Logger, error) {
	var zcfg zap.Config
	switch strings.ToLower(cfg.Environment) {
	case "", "development":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		zcfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log environment %q", cfg.Environment)
	}

	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
	}
	zcfg.Level = level
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if len(cfg.Outputs) > 0 {
		zcfg.OutputPaths = cfg.Outputs
	}

	z, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{x: z.Sugar()}, nil
}

// GetDefaultLogger returns the process logger, falling back to a development logger.
func GetDefaultLogger() *Logger {
	if l := root.Load(); l != nil {
		return l
	}
	l, err := NewLogger(Config{Environment: "development", Level: "debug"})
	if err != nil {
		panic(err)
	}
	root.CompareAndSwap(nil, l)
	return root.Load()
}

// Nop discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{x: zap.NewNop().Sugar()}
}

// WithFields returns a child logger carrying the given key/value pairs.
func (l *Logger) WithFields(keyValuePairs ...interface{}) *Logger {
	return &Logger{x: l.x.With(keyValuePairs...)}
}

func (l *Logger) Debugf(template string, args ...interface{}) { l.x.Debugf(template, args...) }
func (l *Logger) Infof(template string, args ...interface{})  { l.x.Infof(template, args...) }
func (l *Logger) Warnf(template string, args ...interface{})  { l.x.Warnf(template, args...) }
func (l *Logger) Errorf(template string, args ...interface{}) { l.x.Errorf(template, args...) }
func (l *Logger) Fatalf(template string, args ...interface{}) { l.x.Fatalf(template, args...) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.x.Sync()
}
