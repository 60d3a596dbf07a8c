package postbox

import (
	"log/slog"
	"time"

	"github.com/careloop/postbox/store"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Default content limits
	DefaultMaxSubjectLength = 512   // max subject length in bytes
	DefaultMaxBodySize      = 60000 // max body size in bytes
	DefaultMaxNameLength    = 128   // max contact/account name length
	DefaultMaxEmailLength   = 256   // max email address length
	DefaultMaxRecipients    = 50    // max to+cc+bcc contacts per message

	// Credential hashing
	DefaultBcryptCost = 12 // bcrypt cost for password hashes
	MinBcryptCost     = 10 // minimum accepted bcrypt cost

	// Query limits
	DefaultMaxListLimit = 100 // max slots per folder page
	DefaultListLimit    = 20  // default slots per folder page

	// Concurrency limits
	DefaultMaxConcurrentDeliveries = 10 // max concurrent deliver operations per service

	// Sweep
	DefaultSweepBatchSize = 100 // messages examined per sweep batch
)

// options holds postbox configuration.
type options struct {
	store      store.Store
	logger     *slog.Logger
	signingKey []byte

	plugins []Plugin

	// Credential hashing
	bcryptCost int

	// Content limits
	maxSubjectLength int
	maxBodySize      int
	maxNameLength    int
	maxEmailLength   int
	maxRecipients    int

	// Query limits
	maxListLimit     int
	defaultListLimit int

	// Concurrency limits
	maxConcurrentDeliveries int

	// Shutdown
	shutdownTimeout time.Duration

	// Sweep
	sweepBatchSize int

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, event publishing failures cause operation to fail
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "MessageDelivered"), and err
// is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
// If the callback panics, the panic is logged and suppressed to prevent
// cascading failures.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger: slog.Default(),
		// Credential defaults
		bcryptCost: DefaultBcryptCost,
		// Content limits defaults
		maxSubjectLength: DefaultMaxSubjectLength,
		maxBodySize:      DefaultMaxBodySize,
		maxNameLength:    DefaultMaxNameLength,
		maxEmailLength:   DefaultMaxEmailLength,
		maxRecipients:    DefaultMaxRecipients,
		// Query limits defaults
		maxListLimit:     DefaultMaxListLimit,
		defaultListLimit: DefaultListLimit,
		// Concurrency limits defaults
		maxConcurrentDeliveries: DefaultMaxConcurrentDeliveries,
		// Shutdown defaults
		shutdownTimeout: DefaultShutdownTimeout,
		// Sweep defaults
		sweepBatchSize: DefaultSweepBatchSize,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Validate query limits consistency
	if o.defaultListLimit > o.maxListLimit {
		o.defaultListLimit = o.maxListLimit
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a postbox service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSigningKey sets the HMAC key used to sign and verify tokens (required).
// The key must be identical across all service instances that validate each
// other's tokens.
func WithSigningKey(key []byte) Option {
	return func(o *options) {
		if len(key) > 0 {
			o.signingKey = key
		}
	}
}

// --- Credential Options ---

// WithBcryptCost sets the bcrypt cost for password hashes.
// Default is 12. Values below 10 are ignored.
func WithBcryptCost(cost int) Option {
	return func(o *options) {
		if cost >= MinBcryptCost {
			o.bcryptCost = cost
		}
	}
}

// --- Plugin/Extension Options ---

// WithPlugin registers a plugin with the postbox service.
// Plugins can hook into message delivery.
// Multiple plugins can be registered by calling this option multiple times.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins at once.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// When enabled, spans are created for all postbox operations.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// When enabled, metrics are collected for all postbox operations.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
// This is a convenience function equivalent to calling
// WithTracing(true) and WithMetrics(true).
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for OpenTelemetry telemetry.
// Default is "postbox".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Content Limit Options ---

// WithMaxSubjectLength sets the maximum subject length in bytes.
// Default is 512.
func WithMaxSubjectLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSubjectLength = n
		}
	}
}

// WithMaxBodySize sets the maximum body size in bytes.
// Default is 60000.
func WithMaxBodySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodySize = n
		}
	}
}

// WithMaxRecipients sets the maximum number of to+cc+bcc contacts per message.
// Default is 50.
func WithMaxRecipients(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRecipients = n
		}
	}
}

// --- Query Limit Options ---

// WithMaxListLimit sets the maximum number of slots per folder page.
// Any listing requesting more than this limit will be capped.
// Default is 100.
func WithMaxListLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxListLimit = n
		}
	}
}

// WithDefaultListLimit sets the default number of slots per folder page when
// no limit is specified. If this exceeds MaxListLimit, it is automatically
// capped to MaxListLimit.
// Default is 20.
func WithDefaultListLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.defaultListLimit = n
		}
	}
}

// --- Concurrency Options ---

// WithMaxConcurrentDeliveries sets the maximum number of concurrent deliver
// operations. This prevents resource exhaustion when many messages are being
// delivered simultaneously.
// Default is 10.
func WithMaxConcurrentDeliveries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentDeliveries = n
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight operations
// during graceful shutdown. When Close() is called, the service waits up to
// this duration for ongoing deliver operations to complete.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- Sweep Options ---

// WithSweepBatchSize sets how many messages the reclamation sweep examines
// per batch. Default is 100.
func WithSweepBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sweepBatchSize = n
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures should
// cause the operation to fail. By default, event failures are logged but the
// operation succeeds (the message is still delivered).
//
// Set to true if your application requires guaranteed event delivery, for
// example when events drive critical downstream processes.
// Set to false (default) for fire-and-forget event publishing.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport for publishing and subscribing.
// When provided, events are published via the given transport for reliable
// delivery. If not provided, a noop transport is used (events are silently
// dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// When provided, events are published to Redis Streams for reliable delivery.
// If not provided, a noop transport is used (events are silently dropped).
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// This callback is invoked whenever an event fails to publish (and
// eventErrorsFatal is false). Use this for custom logging, metrics, or
// alerting on event failures.
//
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}

// getLimits returns the configured content limits.
func (o *options) getLimits() ContentLimits {
	return ContentLimits{
		MaxSubjectLength: o.maxSubjectLength,
		MaxBodySize:      o.maxBodySize,
		MaxNameLength:    o.maxNameLength,
		MaxEmailLength:   o.maxEmailLength,
		MaxRecipients:    o.maxRecipients,
	}
}
