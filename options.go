package sqlwrap

import (
	"context"

	"sqlwrap/internal/config"
	"sqlwrap/internal/storage"
	"sqlwrap/internal/synth"
)

// Logger is satisfied by *log.Logger.
type Logger = synth.Logger

// Option configures a Client.
type Option func(*Client)

// WithLogger sends one line per call (and per recovery) to l. A nil l
// discards.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l == nil {
			l = synth.DiscardLogger
		}
		c.logger = l
	}
}

// withOpener replaces storage.Open. Tests use it to observe connections.
func withOpener(f func(context.Context, storage.Config) (storage.Conn, error)) Option {
	return func(c *Client) { c.open = f }
}

type callOptions struct {
	overrides config.Overrides
	noIndex   bool
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

// WithOverrides replaces connection settings for one call. Keys are the
// config field names (backend, host, port, user, password, dbname, sslmode,
// params, dsn); an override wins over the client's configuration.
func WithOverrides(o config.Overrides) CallOption {
	return func(co *callOptions) {
		if co.overrides == nil {
			co.overrides = config.Overrides{}
		}
		for k, v := range o {
			co.overrides[k] = v
		}
	}
}

// WithoutIndex makes Upsert update each record by key and insert it when
// nothing matched, instead of relying on a unique index. Other operations
// ignore it.
func WithoutIndex() CallOption {
	return func(co *callOptions) { co.noIndex = true }
}

func collect(opts []CallOption) callOptions {
	var co callOptions
	for _, o := range opts {
		if o != nil {
			o(&co)
		}
	}
	return co
}
