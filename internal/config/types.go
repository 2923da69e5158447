package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Facilitator    FacilitatorConfig    `yaml:"facilitator"`
	Gate           GateConfig           `yaml:"gate"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`  // debug, info, warn, error
	Format      string `yaml:"format"` // json, console
	Environment string `yaml:"environment"`
}

// NetworkConfig describes one Solana network endpoint the facilitator
// verifies and settles on.
type NetworkConfig struct {
	Network string `yaml:"network"` // solana, solana-devnet
	RPCURL  string `yaml:"rpc_url"`
	// WSURL is optional; when empty it is derived from RPCURL.
	WSURL string `yaml:"ws_url"`
}

// FacilitatorConfig holds the facilitator service configuration.
// Fee-payer key material never lives in YAML: it is injected only
// through the X402_FEE_PAYER_KEYS environment variable.
type FacilitatorConfig struct {
	Networks            []NetworkConfig `yaml:"networks"`
	ConfirmationTimeout Duration        `yaml:"confirmation_timeout"`
	Commitment          string          `yaml:"commitment"`

	// FeePayerKeys is populated from the environment, not YAML.
	FeePayerKeys []string `yaml:"-"`
}

// GateConfig holds the resource-server middleware configuration.
type GateConfig struct {
	FacilitatorURL string `yaml:"facilitator_url"`
	RoutesFile     string `yaml:"routes_file"`
}

// RateLimitConfig holds tiered request rate limiting configuration for
// the facilitator's verify/settle endpoints. Limits left at zero fall
// back to the ratelimit package defaults.
type RateLimitConfig struct {
	Enabled            bool `yaml:"enabled"`
	GlobalPerMinute    int  `yaml:"global_per_minute"`
	PerWalletPerMinute int  `yaml:"per_wallet_per_minute"`
	PerIPPerMinute     int  `yaml:"per_ip_per_minute"`
}

// CircuitBreakerConfig holds breaker settings per external service.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SolanaRPC   BreakerConfig `yaml:"solana_rpc"`
	Facilitator BreakerConfig `yaml:"facilitator"`
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
