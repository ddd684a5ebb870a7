package goresample

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// discardHandler drops every record. Enabled reports false so callers never
// format the message.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(discardHandler{}))
}

// SetLogger configures the logger used by the resampling engine, the
// streaming driver and the COG source. By default nothing is logged.
// Passing nil restores the silent default. Safe for concurrent use.
//
// Levels:
//   - [slog.LevelDebug]: path selection, work item and tile plans
//   - [slog.LevelInfo]: streaming progress
//   - [slog.LevelWarn]: sink cleanup failures
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(discardHandler{})
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
