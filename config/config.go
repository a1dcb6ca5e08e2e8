package config

// AppConfig is the main client configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: Principal, password, and workspace selection
//   - endpoints.go: Platform endpoint overrides
//   - engine.go: Retry, pagination, and polling tunables
//   - observability.go: Metrics configuration
type AppConfig struct {
	// Auth holds login inputs.
	Auth AuthConfig `envPrefix:"STRATO_"`

	// Endpoints holds the platform base-URL overrides.
	Endpoints EndpointsConfig `envPrefix:"STRATO_"`

	// Engine holds request-engine tunables.
	Engine EngineConfig `envPrefix:"STRATO_"`

	// Observability configuration.
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment
// variables.
func (c *AppConfig) Sanitize() {
	c.Endpoints.Sanitize()
	c.Engine.Sanitize()
	c.Observability.Sanitize()
}
