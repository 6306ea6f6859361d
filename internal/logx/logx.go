package logx

import (
	"context"
	"io"

	"pkt.systems/pslog"
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// Discard returns a logger that writes nowhere.
func Discard() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true})
}

// OrDiscard returns log, or a discarding logger when log is nil.
func OrDiscard(log pslog.Logger) pslog.Logger {
	if log == nil {
		return Discard()
	}
	return log
}

// WithSession annotates the logger with a session name when available.
func WithSession(log pslog.Logger, session string) pslog.Logger {
	log = OrDiscard(log)
	if session != "" {
		log = log.With("session", session)
	}
	return log
}

// WithViewer annotates the logger with a viewer id when available.
func WithViewer(log pslog.Logger, viewerID string) pslog.Logger {
	log = OrDiscard(log)
	if viewerID != "" {
		log = log.With("viewer", viewerID)
	}
	return log
}
