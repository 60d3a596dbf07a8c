package mongo

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultDatabase           = "postbox"
	DefaultAccountsCollection = "accounts"
	DefaultMessagesCollection = "messages"
	DefaultTimeout            = 10 * time.Second
)

// config holds MongoDB store configuration.
type config struct {
	database        string
	accounts        string
	messages        string
	timeout         time.Duration
	logger          *slog.Logger
	useTransactions bool
}

func newConfig(opts ...Option) *config {
	c := &config{
		database:        DefaultDatabase,
		accounts:        DefaultAccountsCollection,
		messages:        DefaultMessagesCollection,
		timeout:         DefaultTimeout,
		logger:          slog.Default(),
		useTransactions: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a MongoDB store.
type Option func(*config)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(c *config) {
		if name != "" {
			c.database = name
		}
	}
}

// WithAccountsCollection sets the accounts collection name.
func WithAccountsCollection(name string) Option {
	return func(c *config) {
		if name != "" {
			c.accounts = name
		}
	}
}

// WithMessagesCollection sets the messages collection name.
func WithMessagesCollection(name string) Option {
	return func(c *config) {
		if name != "" {
			c.messages = name
		}
	}
}

// WithTimeout sets the per operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTransactions controls whether multi-account slot creation runs inside
// a MongoDB transaction. Transactions require a replica set or mongos; when
// disabled, slot creation falls back to sequential updates with compensating
// removal on failure. Enabled by default.
func WithTransactions(enable bool) Option {
	return func(c *config) {
		c.useTransactions = enable
	}
}
