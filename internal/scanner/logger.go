package scanner

import (
	"context"
	"log/slog"
	"sync/atomic"

	"kinfu-scanner/internal/devbuf"
	"kinfu-scanner/internal/device"
	"kinfu-scanner/internal/icp"
)

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

func slogger() *slog.Logger { return loggerPtr.Load() }

// SetLogger replaces the logger of this package and of the device,
// buffer and registration packages it drives. Passing nil silences them.
func SetLogger(l *slog.Logger) {
	device.SetLogger(l)
	devbuf.SetLogger(l)
	icp.SetLogger(l)
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}
