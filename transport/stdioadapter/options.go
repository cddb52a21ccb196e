package stdioadapter

import (
	"io"
	"log/slog"

	"github.com/ggoodman/plexusd/storage"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets both the reader and writer.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream. Defaults to os.Stdin.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream. Defaults to os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger. It should be configured to write to
// stderr; stdout is reserved for the JSON-RPC wire protocol.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithUserProvider overrides the user identity attached to every call.
// Defaults to OSUserProvider.
func WithUserProvider(up UserProvider) Option {
	return func(h *Handler) {
		if up != nil {
			h.userProvider = up
		}
	}
}

// WithStorage makes a persistent per-user/per-session key/value backend
// reachable from activation handlers via storage.FromContext.
func WithStorage(s storage.Storage) Option {
	return func(h *Handler) { h.storage = s }
}
