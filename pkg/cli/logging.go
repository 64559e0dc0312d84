package cli

import (
	"io"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls process logging.
type LogOptions struct {
	Level string
	JSON  bool

	// File, when set, receives the logs instead of stderr and is rotated
	// after MaxSizeMB megabytes.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Loggers share one sink: zap for the HTTP server and the commands, slog
// for the engine and model.
type Loggers struct {
	Zap  *zap.Logger
	Slog *slog.Logger

	closeFn func() error
}

// Close flushes the loggers and releases the log file.
func (l *Loggers) Close() error {
	_ = l.Zap.Sync()
	return l.closeFn()
}

// NewLoggers builds the process loggers. Without a file they write to
// stderr.
func NewLoggers(opts LogOptions, stderr io.Writer) (*Loggers, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = zapcore.ParseLevel(opts.Level); err != nil {
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	l := &Loggers{closeFn: func() error { return nil }}
	var sink zapcore.WriteSyncer
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		sink = zapcore.Lock(zapcore.AddSync(rotator))
		l.closeFn = rotator.Close
	} else {
		sink = zapcore.Lock(zapcore.AddSync(stderr))
	}

	l.Zap = zap.New(zapcore.NewCore(enc, sink, level), zap.AddCaller())

	hopts := &slog.HandlerOptions{Level: slogLevel(level)}
	if opts.JSON {
		l.Slog = slog.New(slog.NewJSONHandler(sink, hopts))
	} else {
		l.Slog = slog.New(slog.NewTextHandler(sink, hopts))
	}
	return l, nil
}

func slogLevel(l zapcore.Level) slog.Level {
	switch {
	case l <= zapcore.DebugLevel:
		return slog.LevelDebug
	case l == zapcore.InfoLevel:
		return slog.LevelInfo
	case l == zapcore.WarnLevel:
		return slog.LevelWarn
	}
	return slog.LevelError
}
