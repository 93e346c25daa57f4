package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the process-wide logger.
type Config struct {
	// OutputPath is the log file, or "stdout".
	OutputPath string `yaml:"output_path"`

	Level string `yaml:"level"`

	// Encoding is "json" or "console".
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`

	// Rotation settings, used when OutputPath is a file.
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`

	DisableCaller     bool `yaml:"disable_caller"`
	DisableStacktrace bool `yaml:"disable_stacktrace"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OutputPath: "stdout",
		Level:      "info",
		Encoding:   "json",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// Factory hands out named module loggers backed by one shared core.
type Factory struct {
	root *zap.Logger

	mu      sync.RWMutex
	loggers map[string]*zap.Logger
}

// NewFactory builds the root logger and installs it as the zap global.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Level == "" {
		cfg = DefaultConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	core := zapcore.NewCore(buildEncoder(cfg), buildWriter(cfg), level)
	root := zap.New(core, buildOptions(cfg)...)
	zap.ReplaceGlobals(root)

	return &Factory{root: root, loggers: make(map[string]*zap.Logger)}, nil
}

// Root returns the unnamed root logger.
func (f *Factory) Root() *zap.Logger { return f.root }

// Get returns the named logger for a module, creating it on first use.
func (f *Factory) Get(module string) *zap.Logger {
	f.mu.RLock()
	if l, ok := f.loggers[module]; ok {
		f.mu.RUnlock()
		return l
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.loggers[module]; ok {
		return l
	}
	l := f.root.Named(module)
	f.loggers[module] = l
	return l
}

// Sync flushes buffered log entries.
func (f *Factory) Sync() error {
	return f.root.Sync()
}

func buildEncoder(cfg Config) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.DisableCaller {
		ec.CallerKey = zapcore.OmitKey
	}
	if cfg.DisableStacktrace {
		ec.StacktraceKey = zapcore.OmitKey
	}
	if cfg.Encoding == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func buildWriter(cfg Config) zapcore.WriteSyncer {
	var writers []zapcore.WriteSyncer
	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}))
	}
	if cfg.OutputPath == "stdout" || cfg.Development || len(writers) == 0 {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	return zapcore.NewMultiWriteSyncer(writers...)
}

func buildOptions(cfg Config) []zap.Option {
	var opts []zap.Option
	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return opts
}
