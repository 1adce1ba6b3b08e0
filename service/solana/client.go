package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetBalance(ctx context.Context, address solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)

	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)

	GetMultipleAccounts(
		ctx context.Context,
		accounts []solana.PublicKey,
		opts *rpc.GetMultipleAccountsOpts,
	) (*rpc.GetMultipleAccountsResult, error)

	GetHealth(ctx context.Context) (string, error)
}

const (
	DefaultPageLimit        = 100
	DefaultFetchConcurrency = 4

	// maxMultipleAccounts is the getMultipleAccounts key limit.
	maxMultipleAccounts = 100
)

// Client provides the ledger operations the sync engine needs.
// It wraps the RPC client with domain-specific operations.
type Client struct {
	rpc              RPCClient
	logger           *slog.Logger
	metrics          *metrics.Metrics
	endpoint         string // RPC endpoint identifier for metrics and source names
	pageLimit        int
	fetchConcurrency int
}

// Option configures a Client.
type Option func(*Client)

// WithPageLimit sets how many signatures are requested per getSignaturesForAddress page.
func WithPageLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageLimit = n
		}
	}
}

// WithFetchConcurrency bounds the number of concurrent getTransaction calls.
func WithFetchConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.fetchConcurrency = n
		}
	}
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling and source naming (see EndpointName).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		rpc:              rpcClient,
		logger:           logger,
		metrics:          m,
		endpoint:         endpoint,
		pageLimit:        DefaultPageLimit,
		fetchConcurrency: DefaultFetchConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the endpoint label given at construction.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// observe records metrics for one RPC call and logs failures at debug level.
func (c *Client) observe(ctx context.Context, method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "rpc call failed",
			"method", method,
			"endpoint", c.endpoint,
			"error", err,
		)
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// GetBalance returns the lamport balance of address at confirmed commitment.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %w", err)
	}

	start := time.Now()
	out, err := c.rpc.GetBalance(ctx, pk, rpc.CommitmentConfirmed)
	c.observe(ctx, "GetBalance", start, err)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, fmt.Errorf("empty getBalance response")
	}

	c.logger.DebugContext(ctx, "fetched balance", "wallet", address, "lamports", out.Value)
	return out.Value, nil
}

// GetBlockHeight returns the current block height at confirmed commitment.
func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	start := time.Now()
	height, err := c.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	c.observe(ctx, "GetBlockHeight", start, err)
	if err != nil {
		return 0, err
	}
	c.logger.DebugContext(ctx, "fetched block height", "height", height)
	return height, nil
}

// CheckHealth returns nil when the node reports itself healthy.
func (c *Client) CheckHealth(ctx context.Context) error {
	start := time.Now()
	status, err := c.rpc.GetHealth(ctx)
	c.observe(ctx, "GetHealth", start, err)
	if err != nil {
		return err
	}
	if status != rpc.HealthOk {
		return fmt.Errorf("node unhealthy: %s", status)
	}
	return nil
}

func (c *Client) getTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	}
	start := time.Now()
	result, err := c.rpc.GetTransaction(ctx, sig, opts)
	c.observe(ctx, "GetTransaction", start, err)
	return result, err
}

// GetConfirmedTransaction looks up the on-chain outcome of hash.
// A transaction the node does not know yet surfaces as an error
// (rpc.ErrNotFound), so the caller keeps it pending.
func (c *Client) GetConfirmedTransaction(ctx context.Context, hash string) (*Confirmation, error) {
	sig, err := solana.SignatureFromBase58(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	result, err := c.getTransaction(ctx, sig)
	if err != nil {
		return nil, err
	}
	if result == nil || result.Meta == nil {
		return &Confirmation{Confirmed: false}, nil
	}
	return &Confirmation{Confirmed: true, Err: formatTxError(result.Meta.Err)}, nil
}

// GetRecentTransactions returns transactions involving address that are newer
// than afterHash (all available history when afterHash is empty), newest first.
// limit <= 0 means no limit.
//
// Signatures are paged with getSignaturesForAddress; details are then fetched
// concurrently. When a detail fetch or parse fails the transaction is still
// returned with the metadata known from the signature listing; a failed fetch
// also marks it Incomplete so callers can fetch it again later.
func (c *Client) GetRecentTransactions(ctx context.Context, address, afterHash string, limit int) ([]db.FullTransaction, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	var until solana.Signature
	if afterHash != "" {
		if until, err = solana.SignatureFromBase58(afterHash); err != nil {
			return nil, fmt.Errorf("invalid after hash: %w", err)
		}
	}

	signatures, err := c.getSignatures(ctx, owner, until, limit)
	if err != nil {
		return nil, err
	}
	if len(signatures) == 0 {
		return []db.FullTransaction{}, nil
	}

	transactions := make([]db.FullTransaction, len(signatures))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fetchConcurrency)
	for i, sig := range signatures {
		g.Go(func() error {
			result, err := c.getTransaction(gctx, sig.Signature)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.logger.WarnContext(gctx, "failed to get transaction details, using metadata only",
					"signature", sig.Signature.String(),
					"error", err,
				)
				transactions[i] = signatureToDomain(sig)
				transactions[i].Incomplete = true
				return nil
			}

			txn, err := parseTransactionFromResult(owner, sig, result)
			if err != nil {
				c.logger.WarnContext(gctx, "failed to parse transaction, using metadata only",
					"signature", sig.Signature.String(),
					"error", err,
				)
				transactions[i] = signatureToDomain(sig)
				return nil
			}
			transactions[i] = txn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "fetched and parsed transactions",
		"wallet", address,
		"count", len(transactions),
	)
	return transactions, nil
}

// getSignatures pages backwards from the newest signature until it reaches
// until (exclusive), runs out of history, or collects limit signatures.
func (c *Client) getSignatures(ctx context.Context, owner solana.PublicKey, until solana.Signature, limit int) ([]*rpc.TransactionSignature, error) {
	var (
		all    []*rpc.TransactionSignature
		before solana.Signature
	)
	for {
		pageLimit := c.pageLimit
		if limit > 0 {
			remaining := limit - len(all)
			if remaining <= 0 {
				break
			}
			pageLimit = min(pageLimit, remaining)
		}

		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &pageLimit,
			Until:      until,
			Before:     before,
			Commitment: rpc.CommitmentConfirmed,
		}

		c.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
			"wallet", owner.String(),
			"limit", pageLimit,
			"until", until.String(),
			"before", before.String(),
		)

		start := time.Now()
		page, err := c.rpc.GetSignaturesForAddress(ctx, owner, opts)
		c.observe(ctx, "GetSignaturesForAddress", start, err)
		if err != nil {
			return nil, err
		}
		c.metrics.RecordRPCSignaturesPerCall(c.endpoint, float64(len(page)))

		all = append(all, page...)
		if len(page) < pageLimit {
			break
		}
		before = page[len(page)-1].Signature
	}
	return all, nil
}

// GetTokenBalances returns the raw balance of owner's associated token account
// for each mint. Accounts that do not exist yet have balance 0.
func (c *Client) GetTokenBalances(ctx context.Context, owner string, mints []string) (map[string]uint64, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("invalid owner: %w", err)
	}

	atas := make([]solana.PublicKey, len(mints))
	for i, m := range mints {
		mintKey, err := solana.PublicKeyFromBase58(m)
		if err != nil {
			return nil, fmt.Errorf("invalid mint %q: %w", m, err)
		}
		ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
		if err != nil {
			return nil, fmt.Errorf("failed to derive token account for %s: %w", m, err)
		}
		atas[i] = ata
	}

	balances := make(map[string]uint64, len(mints))
	for lo := 0; lo < len(atas); lo += maxMultipleAccounts {
		hi := min(lo+maxMultipleAccounts, len(atas))

		start := time.Now()
		out, err := c.rpc.GetMultipleAccounts(ctx, atas[lo:hi], &rpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentConfirmed,
		})
		c.observe(ctx, "GetMultipleAccounts", start, err)
		if err != nil {
			return nil, err
		}
		if len(out.Value) != hi-lo {
			return nil, fmt.Errorf("getMultipleAccounts returned %d accounts, want %d", len(out.Value), hi-lo)
		}

		for i, acct := range out.Value {
			mint := mints[lo+i]
			if acct == nil {
				balances[mint] = 0
				continue
			}
			amount, err := decodeTokenAccountAmount(acct.Data.GetBinary())
			if err != nil {
				return nil, fmt.Errorf("token account for %s: %w", mint, err)
			}
			balances[mint] = amount
		}
	}

	c.logger.DebugContext(ctx, "fetched token balances", "wallet", owner, "count", len(balances))
	return balances, nil
}
