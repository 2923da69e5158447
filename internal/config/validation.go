package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the assembled configuration for internal consistency.
// It does not require facilitator networks or gate settings to be
// present: a process may run only one of the two roles.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Facilitator.Networks))
	for _, n := range c.Facilitator.Networks {
		if n.Network != "solana" && n.Network != "solana-devnet" {
			return fmt.Errorf("facilitator.networks: unsupported network %q", n.Network)
		}
		if seen[n.Network] {
			return fmt.Errorf("facilitator.networks: duplicate network %q", n.Network)
		}
		seen[n.Network] = true
		if n.RPCURL == "" {
			return fmt.Errorf("facilitator.networks: rpc_url required for %q", n.Network)
		}
		if err := validateURL(n.RPCURL, "http", "https"); err != nil {
			return fmt.Errorf("facilitator.networks %q: %w", n.Network, err)
		}
		if n.WSURL != "" {
			if err := validateURL(n.WSURL, "ws", "wss"); err != nil {
				return fmt.Errorf("facilitator.networks %q: %w", n.Network, err)
			}
		}
	}

	if len(c.Facilitator.Networks) > 0 && len(c.Facilitator.FeePayerKeys) == 0 {
		return fmt.Errorf("facilitator role configured but %s is not set", envFeePayerKeys)
	}

	if c.Facilitator.ConfirmationTimeout.Duration <= 0 {
		return fmt.Errorf("facilitator.confirmation_timeout must be positive")
	}

	if c.Gate.FacilitatorURL != "" {
		if err := validateURL(c.Gate.FacilitatorURL, "http", "https"); err != nil {
			return fmt.Errorf("gate.facilitator_url: %w", err)
		}
	}

	if c.RateLimit.GlobalPerMinute < 0 || c.RateLimit.PerWalletPerMinute < 0 || c.RateLimit.PerIPPerMinute < 0 {
		return fmt.Errorf("rate_limit limits must not be negative")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("url %q must use one of schemes %v", raw, schemes)
}
