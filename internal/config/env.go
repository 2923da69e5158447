package config

import (
	"os"
	"strings"
)

// Environment variable names. Secrets (fee-payer keys) are env-only so
// they never end up committed inside a YAML file.
const (
	envServerAddress  = "X402_SERVER_ADDRESS"
	envLogLevel       = "X402_LOG_LEVEL"
	envLogFormat      = "X402_LOG_FORMAT"
	envRPCURLMainnet  = "X402_RPC_URL_SOLANA"
	envRPCURLDevnet   = "X402_RPC_URL_SOLANA_DEVNET"
	envWSURLMainnet   = "X402_WS_URL_SOLANA"
	envWSURLDevnet    = "X402_WS_URL_SOLANA_DEVNET"
	envFeePayerKeys   = "X402_FEE_PAYER_KEYS"
	envFacilitatorURL = "X402_FACILITATOR_URL"
	envRoutesFile     = "X402_ROUTES_FILE"
)

// applyEnvOverrides layers environment variables over the YAML values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envServerAddress); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(envFacilitatorURL); v != "" {
		cfg.Gate.FacilitatorURL = v
	}
	if v := os.Getenv(envRoutesFile); v != "" {
		cfg.Gate.RoutesFile = v
	}

	overrideNetworkURL(cfg, "solana", os.Getenv(envRPCURLMainnet), os.Getenv(envWSURLMainnet))
	overrideNetworkURL(cfg, "solana-devnet", os.Getenv(envRPCURLDevnet), os.Getenv(envWSURLDevnet))

	if v := os.Getenv(envFeePayerKeys); v != "" {
		var keys []string
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				keys = append(keys, part)
			}
		}
		cfg.Facilitator.FeePayerKeys = keys
	}
}

// overrideNetworkURL updates the named network entry in place, creating
// it when the YAML file never mentioned the network.
func overrideNetworkURL(cfg *Config, network, rpcURL, wsURL string) {
	if rpcURL == "" && wsURL == "" {
		return
	}
	for i := range cfg.Facilitator.Networks {
		if cfg.Facilitator.Networks[i].Network == network {
			if rpcURL != "" {
				cfg.Facilitator.Networks[i].RPCURL = rpcURL
			}
			if wsURL != "" {
				cfg.Facilitator.Networks[i].WSURL = wsURL
			}
			return
		}
	}
	cfg.Facilitator.Networks = append(cfg.Facilitator.Networks, NetworkConfig{
		Network: network,
		RPCURL:  rpcURL,
		WSURL:   wsURL,
	})
}
