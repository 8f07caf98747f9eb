package transport

import (
	"context"
	"net"

	"github.com/zeusync/hotswap/internal/core/observability/log"
)

// Source accepts remote connections and feeds decoded payloads to a Router.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Addr is the bound listen address, or nil before Start.
	Addr() net.Addr
}

type sourceOptions struct {
	logger     log.Log
	maxPayload int
}

// SourceOption configures either inbound source.
type SourceOption func(*sourceOptions)

func WithLogger(l log.Log) SourceOption {
	return func(o *sourceOptions) {
		o.logger = l
	}
}

func WithMaxPayloadSize(n int) SourceOption {
	return func(o *sourceOptions) {
		if n > 0 {
			o.maxPayload = n
		}
	}
}

func buildOptions(opts []SourceOption) sourceOptions {
	o := sourceOptions{
		logger:     log.Provide(),
		maxPayload: DefaultMaxPayloadSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
