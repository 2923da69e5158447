package solana

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/CedrosPay/x402gate/internal/circuitbreaker"
	"github.com/CedrosPay/x402gate/internal/metrics"
)

// RPC is the slice of the Solana JSON-RPC surface this package consumes.
// *rpc.Client satisfies it directly; tests substitute fakes so the
// introspector and settle engine stay deterministic.
type RPC interface {
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*rpc.GetMultipleAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	SimulateTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
}

var _ RPC = (*rpc.Client)(nil)

// SignatureSubscription is one live signature-confirmation subscription.
// *ws.SignatureSubscription satisfies it via wsSubscriber.
type SignatureSubscription interface {
	Recv(ctx context.Context) (*ws.SignatureResult, error)
	Unsubscribe()
}

// SignatureSubscriber is the optional push channel used by the
// subscription confirmation path. When nil, the settle engine goes
// straight to RPC polling.
type SignatureSubscriber interface {
	SignatureSubscribe(signature solana.Signature, commitment rpc.CommitmentType) (SignatureSubscription, error)
}

// wsSubscriber adapts *ws.Client to SignatureSubscriber.
type wsSubscriber struct {
	client *ws.Client
}

// NewSignatureSubscriber wraps a websocket client as the push channel for
// confirmation. Returns nil for a nil client so callers can pass the
// result straight into the engine.
func NewSignatureSubscriber(client *ws.Client) SignatureSubscriber {
	if client == nil {
		return nil
	}
	return &wsSubscriber{client: client}
}

func (w *wsSubscriber) SignatureSubscribe(signature solana.Signature, commitment rpc.CommitmentType) (SignatureSubscription, error) {
	return w.client.SignatureSubscribe(signature, commitment)
}

// instrumentedRPC decorates an RPC with circuit breaking and Prometheus
// metrics so a failing endpoint trips open instead of stalling every
// verify/settle call behind it.
type instrumentedRPC struct {
	inner    RPC
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	network  string
}

// InstrumentRPC wraps an RPC with breaker + metrics instrumentation.
// Either decorator may be nil and is then skipped.
func InstrumentRPC(inner RPC, breakers *circuitbreaker.Manager, m *metrics.Metrics, network string) RPC {
	if breakers == nil && m == nil {
		return inner
	}
	return &instrumentedRPC{inner: inner, breakers: breakers, metrics: m, network: network}
}

func (c *instrumentedRPC) call(method string, fn func() (any, error)) (any, error) {
	start := time.Now()
	var out any
	var err error
	if c.breakers != nil {
		out, err = c.breakers.Execute(circuitbreaker.ServiceSolanaRPC, fn)
	} else {
		out, err = fn()
	}
	if c.metrics != nil {
		c.metrics.ObserveRPCCall(method, c.network, time.Since(start), err)
	}
	return out, err
}

func (c *instrumentedRPC) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	out, err := c.call("GetAccountInfo", func() (any, error) {
		return c.inner.GetAccountInfo(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return out.(*rpc.GetAccountInfoResult), nil
}

func (c *instrumentedRPC) GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*rpc.GetMultipleAccountsResult, error) {
	out, err := c.call("GetMultipleAccounts", func() (any, error) {
		return c.inner.GetMultipleAccounts(ctx, accounts...)
	})
	if err != nil {
		return nil, err
	}
	return out.(*rpc.GetMultipleAccountsResult), nil
}

func (c *instrumentedRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	out, err := c.call("GetLatestBlockhash", func() (any, error) {
		return c.inner.GetLatestBlockhash(ctx, commitment)
	})
	if err != nil {
		return nil, err
	}
	return out.(*rpc.GetLatestBlockhashResult), nil
}

func (c *instrumentedRPC) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	out, err := c.call("GetBlockHeight", func() (any, error) {
		return c.inner.GetBlockHeight(ctx, commitment)
	})
	if err != nil {
		return 0, err
	}
	return out.(uint64), nil
}

func (c *instrumentedRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	out, err := c.call("GetSignatureStatuses", func() (any, error) {
		return c.inner.GetSignatureStatuses(ctx, searchTransactionHistory, transactionSignatures...)
	})
	if err != nil {
		return nil, err
	}
	return out.(*rpc.GetSignatureStatusesResult), nil
}

func (c *instrumentedRPC) SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	out, err := c.call("SendTransaction", func() (any, error) {
		return c.inner.SendTransactionWithOpts(ctx, transaction, opts)
	})
	if err != nil {
		return solana.Signature{}, err
	}
	return out.(solana.Signature), nil
}

func (c *instrumentedRPC) SimulateTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	out, err := c.call("SimulateTransaction", func() (any, error) {
		return c.inner.SimulateTransactionWithOpts(ctx, transaction, opts)
	})
	if err != nil {
		return nil, err
	}
	return out.(*rpc.SimulateTransactionResponse), nil
}
