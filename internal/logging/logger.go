// Package logging builds the process-wide zap logger from configuration.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sanspareilsmyn/triggeredavg/internal/config"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatNone    = "none" // file output only
)

var ErrNoOutputs = errors.New("no logging outputs configured (console disabled and file logging off)")

// NewLogger builds a logger writing to the terminal and, when enabled, to a rotating JSON file.
// Terminal output goes to stdout below Error and to stderr from Error up.
//
// Debug level or console format turn on development mode, in which DPanic panics. Invalid capture
// requests are logged at DPanic, so they abort development runs and are only logged in production.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARN: %v, defaulting to INFO level\n", err)
		level = zapcore.InfoLevel
	}

	format := strings.ToLower(cfg.Format)
	isDevelopment := level == zapcore.DebugLevel || format == FormatConsole

	var cores []zapcore.Core
	switch format {
	case FormatConsole:
		cores = append(cores, terminalCores(buildEncoder(true), level)...)
	case FormatJSON:
		cores = append(cores, terminalCores(buildEncoder(false), level)...)
	case FormatNone, "":
	default:
		fmt.Fprintf(os.Stderr, "WARN: unknown log format '%s', using console\n", cfg.Format)
		cores = append(cores, terminalCores(buildEncoder(true), level)...)
	}

	if cfg.FileLoggingEnabled {
		core, err := fileCore(cfg, level)
		if err != nil {
			return nil, err
		}
		cores = append(cores, core)
	}

	if len(cores) == 0 {
		return nil, ErrNoOutputs
	}

	loggerOptions := []zap.Option{zap.AddCaller()}
	if isDevelopment {
		loggerOptions = append(loggerOptions, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	} else {
		loggerOptions = append(loggerOptions, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), loggerOptions...)

	logger.Debug("Zap logger constructed",
		zap.String("final_level", level.String()),
		zap.String("format", format),
		zap.Bool("file_logging_enabled", cfg.FileLoggingEnabled),
		zap.String("file_path", filepath.Join(cfg.Directory, cfg.Filename)),
		zap.Bool("development_mode", isDevelopment),
	)

	return logger, nil
}

func terminalCores(encoder zapcore.Encoder, level zapcore.Level) []zapcore.Core {
	stdout := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level && lvl < zapcore.ErrorLevel
	}))
	stderr := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level && lvl >= zapcore.ErrorLevel
	}))
	return []zapcore.Core{stdout, stderr}
}

func fileCore(cfg config.LogConfig, level zapcore.Level) (zapcore.Core, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory '%s': %w", cfg.Directory, err)
	}

	ljack := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, cfg.Filename),
		MaxSize:    cfg.MaxSize,    // megabytes
		MaxBackups: cfg.MaxBackups, // files
		MaxAge:     cfg.MaxAge,     // days
		Compress:   cfg.Compress,
	}
	return zapcore.NewCore(buildEncoder(false), zapcore.AddSync(ljack), level), nil
}

func parseLevel(levelStr string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(levelStr))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level '%s'", levelStr)
	}
	return level, nil
}

func buildEncoder(useConsoleStyle bool) zapcore.Encoder {
	if useConsoleStyle {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}
