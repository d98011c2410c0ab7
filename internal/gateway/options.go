package gateway

import (
	"log/slog"
	"net/http"

	"github.com/roach88/docsync/internal/metrics"
	"github.com/roach88/docsync/internal/revision"
)

type options struct {
	settings Settings
	logger   *slog.Logger
	header   http.Header
	policy   revision.Policy
	metrics  *metrics.Metrics
}

func newOptions(opts []Option) options {
	o := options{
		settings: DefaultSettings(),
		logger:   slog.Default(),
		policy:   revision.PolicyManual,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Client or a Server.
type Option func(*options)

// WithSettings replaces the timeouts and buffer sizes.
func WithSettings(s Settings) Option {
	return func(o *options) {
		o.settings = s
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithHeader adds request headers to the client's dial, e.g. Authorization.
func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h
	}
}

// WithPolicy sets how the server records pushed revisions that diverge
// from its own. Default: revision.PolicyManual.
func WithPolicy(p revision.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithMetrics records server-side writes and conflicts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
