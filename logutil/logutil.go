// Package logutil builds the slog loggers used across the module
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
)

// LevelTrace sits below debug and is used for per-node logs, such as
// device placement of every graph node
const LevelTrace slog.Level = -8

// NewLogger returns a text logger writing to w at level, with source
// locations shortened to the file name
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// Trace logs msg at LevelTrace on l
func Trace(l *slog.Logger, msg string, args ...any) {
	l.Log(context.TODO(), LevelTrace, msg, args...)
}
