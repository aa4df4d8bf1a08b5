package logbase

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

func Fatal(log *slog.Logger, msg string, attrs ...slog.Attr) {
	FatalContext(context.Background(), log, msg, attrs...)
}

func FatalContext(ctx context.Context, log *slog.Logger, msg string, attrs ...slog.Attr) {
	log.LogAttrs(ctx, slog.LevelError, msg, attrs...)
	os.Exit(1)
}

// Writer returns stderr, teed into a size-rotated log file if filename is set.
func Writer(filename string) io.Writer {
	if filename == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100, // MB
		MaxBackups: 7,
		MaxAge:     30, // days
		Compress:   true,
	})
}
