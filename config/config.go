// Package config defines the enumerated driver configuration record.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/perpgate/perpgate/errs"
)

// RateLimit configures the weighted token bucket guarding a driver.
type RateLimit struct {
	MaxRequests int
	WindowMs    int
	// RefillRate is the number of tokens restored per window. Zero means
	// refill to MaxRequests.
	RefillRate int
	// Weights maps endpoint names to token costs; unlisted endpoints cost 1.
	Weights map[string]int
}

// CircuitBreaker configures the per-driver breaker.
type CircuitBreaker struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	Enabled          bool
}

// Config is the full driver configuration contract. Unused credential
// fields stay empty; each driver validates the subset it needs.
type Config struct {
	APIKey        string
	APISecret     string
	APIPrivateKey string
	Wallet        string
	Mnemonic      string

	Testnet bool
	Timeout time.Duration
	Debug   bool

	RateLimit      RateLimit
	CircuitBreaker CircuitBreaker

	BuilderCode        string
	BuilderCodeEnabled bool
	SubaccountNumber   int
}

// Defaults mirror the spec contract: 30 s timeout, breaker enabled with
// five consecutive failures, two half-open probes, 30 s reset.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultWindowMs         = 60_000
	DefaultMaxRequests      = 1200
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 30 * time.Second
)

// Default returns the baseline configuration shared by all venues.
func Default() Config {
	return Config{
		Timeout: DefaultTimeout,
		RateLimit: RateLimit{
			MaxRequests: DefaultMaxRequests,
			WindowMs:    DefaultWindowMs,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: DefaultFailureThreshold,
			SuccessThreshold: DefaultSuccessThreshold,
			ResetTimeout:     DefaultResetTimeout,
			Enabled:          true,
		},
	}
}

// Normalize fills zero-valued fields with defaults and returns a copy.
func (c Config) Normalize() Config {
	out := c
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.RateLimit.MaxRequests <= 0 {
		out.RateLimit.MaxRequests = DefaultMaxRequests
	}
	if out.RateLimit.WindowMs <= 0 {
		out.RateLimit.WindowMs = DefaultWindowMs
	}
	if out.RateLimit.RefillRate <= 0 {
		out.RateLimit.RefillRate = out.RateLimit.MaxRequests
	}
	if out.CircuitBreaker.FailureThreshold <= 0 {
		out.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if out.CircuitBreaker.SuccessThreshold <= 0 {
		out.CircuitBreaker.SuccessThreshold = DefaultSuccessThreshold
	}
	if out.CircuitBreaker.ResetTimeout <= 0 {
		out.CircuitBreaker.ResetTimeout = DefaultResetTimeout
	}
	return out
}

// Validate rejects out-of-range values before a driver is constructed.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return invalid("timeout must not be negative")
	}
	if c.RateLimit.MaxRequests < 0 || c.RateLimit.WindowMs < 0 || c.RateLimit.RefillRate < 0 {
		return invalid("rate limit values must not be negative")
	}
	for endpoint, weight := range c.RateLimit.Weights {
		if strings.TrimSpace(endpoint) == "" {
			return invalid("rate limit weight endpoint must not be empty")
		}
		if weight <= 0 {
			return invalid("rate limit weight for " + endpoint + " must be positive")
		}
	}
	if c.CircuitBreaker.FailureThreshold < 0 || c.CircuitBreaker.SuccessThreshold < 0 {
		return invalid("circuit breaker thresholds must not be negative")
	}
	if c.CircuitBreaker.ResetTimeout < 0 {
		return invalid("circuit breaker reset timeout must not be negative")
	}
	if c.SubaccountNumber < 0 {
		return invalid("subaccount number must not be negative")
	}
	if c.BuilderCodeEnabled && strings.TrimSpace(c.BuilderCode) == "" {
		return invalid("builder code required when builder code attribution is enabled")
	}
	return nil
}

// HasAPICredentials reports whether key+secret authentication is configured.
func (c Config) HasAPICredentials() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// FromEnv overlays environment variables onto the configuration using the
// given venue prefix (e.g. "BINANCEF" reads BINANCEF_API_KEY).
func (c Config) FromEnv(prefix string) Config {
	out := c
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix != "" {
		prefix += "_"
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "API_KEY")); v != "" {
		out.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "API_SECRET")); v != "" {
		out.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "API_PRIVATE_KEY")); v != "" {
		out.APIPrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "WALLET")); v != "" {
		out.Wallet = v
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "TESTNET")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			out.Testnet = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv(prefix + "TIMEOUT_MS")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			out.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return out
}

func invalid(msg string) *errs.E {
	return errs.New("", errs.KindValidation, errs.WithMessage(msg))
}
