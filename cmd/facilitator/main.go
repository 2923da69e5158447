// Command facilitator runs the x402 payment facilitator: the service
// that verifies and settles Solana payments on behalf of resource
// servers, and pays transaction fees from its own wallets.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/CedrosPay/x402gate/internal/circuitbreaker"
	"github.com/CedrosPay/x402gate/internal/config"
	"github.com/CedrosPay/x402gate/internal/facilitator"
	"github.com/CedrosPay/x402gate/internal/logger"
	"github.com/CedrosPay/x402gate/internal/metrics"
	"github.com/CedrosPay/x402gate/pkg/x402"
	solanax402 "github.com/CedrosPay/x402gate/pkg/x402/solana"
)

func main() {
	cfg, err := config.Load(os.Getenv("X402_CONFIG"))
	if err != nil {
		bootLog := logger.New(logger.Config{Level: "error", Format: "console", Service: "x402-facilitator"})
		bootLog.Fatal().Err(err).Msg("config.load_failed")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "x402-facilitator",
		Environment: cfg.Logging.Environment,
	})

	if len(cfg.Facilitator.Networks) == 0 {
		log.Fatal().Msg("no facilitator networks configured")
	}

	wallets := make([]solanago.PrivateKey, 0, len(cfg.Facilitator.FeePayerKeys))
	for _, raw := range cfg.Facilitator.FeePayerKeys {
		key, err := solanax402.ParsePrivateKey(raw)
		if err != nil {
			log.Fatal().Err(err).Msg("fee_payer_key.parse_failed")
		}
		wallets = append(wallets, key)
	}

	metricsCollector := metrics.New(nil)
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		Enabled: cfg.CircuitBreaker.Enabled,
		SolanaRPC: circuitbreaker.BreakerConfig{
			MaxRequests:         cfg.CircuitBreaker.SolanaRPC.MaxRequests,
			Interval:            cfg.CircuitBreaker.SolanaRPC.Interval.Duration,
			Timeout:             cfg.CircuitBreaker.SolanaRPC.Timeout.Duration,
			ConsecutiveFailures: cfg.CircuitBreaker.SolanaRPC.ConsecutiveFailures,
			FailureRatio:        cfg.CircuitBreaker.SolanaRPC.FailureRatio,
			MinRequests:         cfg.CircuitBreaker.SolanaRPC.MinRequests,
		},
		Facilitator: circuitbreaker.BreakerConfig{
			MaxRequests:         cfg.CircuitBreaker.Facilitator.MaxRequests,
			Interval:            cfg.CircuitBreaker.Facilitator.Interval.Duration,
			Timeout:             cfg.CircuitBreaker.Facilitator.Timeout.Duration,
			ConsecutiveFailures: cfg.CircuitBreaker.Facilitator.ConsecutiveFailures,
			FailureRatio:        cfg.CircuitBreaker.Facilitator.FailureRatio,
			MinRequests:         cfg.CircuitBreaker.Facilitator.MinRequests,
		},
	})

	engines := make(map[x402.Network]*solanax402.Engine, len(cfg.Facilitator.Networks))
	for _, netCfg := range cfg.Facilitator.Networks {
		network := x402.Network(netCfg.Network)
		rpcClient := solanax402.InstrumentRPC(rpc.New(netCfg.RPCURL), breakers, metricsCollector, netCfg.Network)

		var subscriber solanax402.SignatureSubscriber
		wsURL := netCfg.WSURL
		if wsURL == "" {
			wsURL, err = solanax402.DeriveWebsocketURL(netCfg.RPCURL)
			if err != nil {
				log.Fatal().Err(err).Str("network", netCfg.Network).Msg("websocket_url.derive_failed")
			}
		}
		wsClient, err := ws.Connect(context.Background(), wsURL)
		if err != nil {
			// The engine falls back to RPC polling; settlement still works.
			log.Warn().Err(err).Str("network", netCfg.Network).Msg("websocket.connect_failed")
		} else {
			subscriber = solanax402.NewSignatureSubscriber(wsClient)
		}

		engine, err := solanax402.NewEngine(network, rpcClient, subscriber, wallets)
		if err != nil {
			log.Fatal().Err(err).Str("network", netCfg.Network).Msg("engine.init_failed")
		}
		engines[network] = engine.WithMetrics(metricsCollector)
		metricsCollector.FeePayerWallets.WithLabelValues(netCfg.Network).Set(float64(len(wallets)))
		log.Info().
			Str("network", netCfg.Network).
			Int("wallets", len(wallets)).
			Msg("engine.ready")
	}

	server := facilitator.New(cfg, engines, metricsCollector, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("server.listening")
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("server.stopped")
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("server.shutting_down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server.shutdown_failed")
	}
}
