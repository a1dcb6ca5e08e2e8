package config

import "time"

// EngineConfig contains request-engine tunables.
type EngineConfig struct {
	// MaxRetries bounds the transient-failure retry loop of one call.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"5"`

	// RetryBackoff is the fixed sleep between retries.
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`

	// RequestTimeout bounds one HTTP round trip.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`

	// PollInterval is the MFA poll cadence.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`

	// PollDeadline bounds every MFA poll loop.
	PollDeadline time.Duration `env:"POLL_DEADLINE" envDefault:"2m"`

	// RateLimit caps requests per second per endpoint family; zero means
	// unlimited.
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"0"`

	// VerifyIDToken enables signature verification of the identity ID
	// token against the platform JWKS during session establishment.
	VerifyIDToken bool `env:"VERIFY_ID_TOKEN" envDefault:"false"`

	// PurgeStaleCredentials removes previous credentials minted by this
	// client's name template before minting a new one, guarding against
	// the platform's per-user credential ceiling.
	PurgeStaleCredentials bool `env:"PURGE_STALE_CREDENTIALS" envDefault:"false"`
}

// Sanitize clamps engine tunables to usable ranges.
func (c *EngineConfig) Sanitize() {
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.MaxRetries > 10 {
		c.MaxRetries = 10
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = 2 * time.Minute
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
}
