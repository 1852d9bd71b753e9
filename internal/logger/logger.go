package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select where and how verbosely to log.
type Options struct {
	// File, when set, receives all log output instead of the console and is
	// rotated once it grows past 10 MB.
	File  string
	Debug bool
}

// New builds the application logger. On the console, records below warn go
// to stdout and the rest to stderr.
func New(opts Options) *zap.SugaredLogger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	if opts.File != "" {
		writer := &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			MaxBackups: 10,
			MaxSize:    10,
		}
		encoder := zapcore.NewJSONEncoder(fileEncoderConfig())
		core := zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
		return zap.New(core, zap.AddCaller()).Sugar()
	}

	return newConsole(level, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

func newConsole(level zap.AtomicLevel, stdout, stderr zapcore.WriteSyncer) *zap.SugaredLogger {
	encoder := zapcore.NewConsoleEncoder(consoleEncoderConfig())
	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return level.Enabled(l) && l < zapcore.WarnLevel
	})
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return level.Enabled(l) && l >= zapcore.WarnLevel
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stdout, low),
		zapcore.NewCore(encoder, stderr, high),
	)
	return zap.New(core).Sugar()
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	return cfg
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.CallerKey = ""
	return cfg
}
