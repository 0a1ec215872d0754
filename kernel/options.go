package kernel

import "time"

type runtimeConfig struct {
	gatewayURL     string
	kernelName     string
	timeout        time.Duration
	startupTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
}

func defaultConfig() runtimeConfig {
	return runtimeConfig{
		kernelName:     "python3",
		timeout:        10 * time.Minute,
		startupTimeout: 60 * time.Second,
		maxRetries:     3,
		retryDelay:     500 * time.Millisecond,
	}
}

// Option configures an HTTPRuntime.
type Option func(*runtimeConfig)

// WithKernelName selects the gateway kernel spec (default "python3").
func WithKernelName(name string) Option {
	return func(c *runtimeConfig) { c.kernelName = name }
}

// WithTimeout caps a single cell execution (default 10m).
func WithTimeout(d time.Duration) Option {
	return func(c *runtimeConfig) { c.timeout = d }
}

// WithStartupTimeout caps kernel session startup (default 60s).
func WithStartupTimeout(d time.Duration) Option {
	return func(c *runtimeConfig) { c.startupTimeout = d }
}

// WithMaxRetries sets the transient-failure retry budget (default 3).
func WithMaxRetries(n int) Option {
	return func(c *runtimeConfig) { c.maxRetries = n }
}

// WithRetryDelay sets the initial retry backoff (default 500ms).
func WithRetryDelay(d time.Duration) Option {
	return func(c *runtimeConfig) { c.retryDelay = d }
}
