package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerFactory provides centralized logger creation
type LoggerFactory struct {
	config     *LogConfig
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Output settings, "stdout" or a file path
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`

	// Log levels
	Level        string            `mapstructure:"level" yaml:"level"`
	ModuleLevels map[string]string `mapstructure:"module_levels" yaml:"module_levels"`

	// Format settings
	Encoding    string `mapstructure:"encoding" yaml:"encoding"` // json or console
	Development bool   `mapstructure:"development" yaml:"development"`

	// Rotation settings, only used for file output
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`

	DisableCaller bool `mapstructure:"disable_caller" yaml:"disable_caller"`
	Sampling      bool `mapstructure:"sampling" yaml:"sampling"`
}

// NewLoggerFactory creates a new logger factory
func NewLoggerFactory(config *LogConfig) (*LoggerFactory, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	if config.OutputPath != "" && config.OutputPath != "stdout" {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	rootLogger := zap.New(buildCore(config, level), buildOptions(config)...)

	return &LoggerFactory{
		config:     config,
		rootLogger: rootLogger,
		loggers:    make(map[string]*zap.Logger),
	}, nil
}

// Root returns the unnamed root logger
func (f *LoggerFactory) Root() *zap.Logger {
	return f.rootLogger
}

// GetLogger returns a logger for the specified module
func (f *LoggerFactory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	// Double-check after acquiring write lock
	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)

	if levelStr, hasLevel := f.config.ModuleLevels[module]; hasLevel {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			core := buildCore(f.config, level)
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}

	f.loggers[module] = logger
	return logger
}

// Sync flushes all loggers
func (f *LoggerFactory) Sync() error {
	var firstErr error

	if err := f.rootLogger.Sync(); err != nil {
		firstErr = err
	}

	f.loggersMu.RLock()
	defer f.loggersMu.RUnlock()

	for _, logger := range f.loggers {
		if err := logger.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// buildEncoderConfig builds the encoder configuration
func buildEncoderConfig(config *LogConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
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

	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}

	return encoderConfig
}

// buildCore builds a core writing at the given level
func buildCore(config *LogConfig, level zapcore.Level) zapcore.Core {
	encoderConfig := buildEncoderConfig(config)

	var encoder zapcore.Encoder
	if config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writers := []zapcore.WriteSyncer{}

	// File output with rotation
	if config.OutputPath != "" && config.OutputPath != "stdout" {
		fileWriter := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		writers = append(writers, zapcore.AddSync(fileWriter))
	}

	// Console output
	if config.OutputPath == "" || config.OutputPath == "stdout" || config.Development {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)

	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(
			core,
			time.Second,
			100, // first 100 messages per second
			10,  // thereafter 10 messages per second
		)
	}

	return core
}

// buildOptions builds logger options
func buildOptions(config *LogConfig) []zap.Option {
	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}

	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}

	if config.Development {
		options = append(options, zap.Development())
	}

	if hostname, err := os.Hostname(); err == nil {
		options = append(options, zap.Fields(zap.String("host", hostname)))
	}

	return options
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		OutputPath:   "stdout",
		Level:        "info",
		ModuleLevels: make(map[string]string),
		Encoding:     "console",
		MaxSizeMB:    100,
		MaxBackups:   7,
		MaxAgeDays:   30,
		Compress:     true,
	}
}

// WithProof adds the fields identifying one proof submission
func WithProof(logger *zap.Logger, proofType string, expectsFailure bool) *zap.Logger {
	validity := "valid"
	if expectsFailure {
		validity = "invalid"
	}
	return logger.With(
		zap.String("proof_type", proofType),
		zap.String("validity", validity),
	)
}

// WithAccount adds the signing account
func WithAccount(logger *zap.Logger, address string) *zap.Logger {
	return logger.With(zap.String("account", address))
}

// WithComponent adds component context
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// Elapsed is a zap field with the time since start, rounded to milliseconds
func Elapsed(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start).Round(time.Millisecond))
}
