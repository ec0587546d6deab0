package pacsindex

import (
	"github.com/mwantia/pacsindex/blob"
	"github.com/mwantia/pacsindex/log"
	"github.com/mwantia/pacsindex/properties"
)

type Options struct {
	// Logger receives engine diagnostics. Defaults to an Info-level
	// stdout logger.
	Logger *log.Logger

	// MaxRetries bounds how often a conflicted transaction is retried
	// before the conflict error surfaces to the caller.
	MaxRetries int

	// Properties optionally overrides where global and per-server
	// properties live, e.g. a shared Consul KV for server fleets. When
	// nil, properties stay inside the index backend.
	Properties properties.Store

	// Blobs optionally attaches the store holding attachment content,
	// enabling PurgeDeletedAttachments.
	Blobs blob.Store
}

type Option func(*Options) error

func newDefaultOptions() *Options {
	return &Options{
		Logger:     log.New("pacsindex"),
		MaxRetries: 10,
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(opts *Options) error {
		opts.Logger = logger
		return nil
	}
}

func WithMaxRetries(retries int) Option {
	return func(opts *Options) error {
		opts.MaxRetries = retries
		return nil
	}
}

func WithPropertyStore(store properties.Store) Option {
	return func(opts *Options) error {
		opts.Properties = store
		return nil
	}
}

func WithBlobStore(store blob.Store) Option {
	return func(opts *Options) error {
		opts.Blobs = store
		return nil
	}
}
