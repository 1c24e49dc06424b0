package uhal

import (
	"log/slog"
	"sync/atomic"
)

// The package logs transport events (status probes, retransmissions,
// state transitions) through a settable slog.Logger. The default discards
// nothing: it is slog's process-wide default logger.
var pkglog atomic.Pointer[slog.Logger]

// SetLogger replaces the logger used by all clients created afterwards.
// Passing nil restores slog.Default.
func SetLogger(l *slog.Logger) {
	pkglog.Store(l)
}

func logger() *slog.Logger {
	if l := pkglog.Load(); l != nil {
		return l
	}
	return slog.Default()
}
