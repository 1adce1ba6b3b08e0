// Package client is the HTTP client for a solsync server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SyncState mirrors the server's sync state encoding.
type SyncState struct {
	State     string   `json:"state"` // synced, syncing, not_synced
	Progress  *float64 `json:"progress,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
}

func (s SyncState) String() string {
	switch {
	case s.Progress != nil:
		return fmt.Sprintf("%s (%.0f%%)", s.State, *s.Progress*100)
	case s.Error != "":
		return fmt.Sprintf("%s: %s", s.State, s.Error)
	default:
		return s.State
	}
}

// Status is the combined engine status.
type Status struct {
	Address               string    `json:"address"`
	Started               bool      `json:"started"`
	Connected             bool      `json:"connected"`
	Ready                 bool      `json:"ready"`
	LastBlockHeight       uint64    `json:"last_block_height"`
	Balance               uint64    `json:"balance"`
	InitialSynced         bool      `json:"initial_synced"`
	BalanceSyncState      SyncState `json:"balance_sync_state"`
	TokenSyncState        SyncState `json:"token_sync_state"`
	TransactionsSyncState SyncState `json:"transactions_sync_state"`
}

// Balance is the cached native balance.
type Balance struct {
	Address  string          `json:"address"`
	Lamports uint64          `json:"lamports"`
	SOL      decimal.Decimal `json:"sol"`
}

type Transaction struct {
	Hash      string           `json:"hash"`
	Timestamp int64            `json:"timestamp"`
	Fee       *decimal.Decimal `json:"fee,omitempty"`
	From      *string          `json:"from,omitempty"`
	To        *string          `json:"to,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Error     *string          `json:"error,omitempty"`
	Pending   bool             `json:"pending"`
}

type TokenTransfer struct {
	TransactionHash string          `json:"transaction_hash"`
	MintAddress     string          `json:"mint_address"`
	Amount          decimal.Decimal `json:"amount"`
	Incoming        bool            `json:"incoming"`
}

type Mint struct {
	Address  string  `json:"address"`
	Decimals int     `json:"decimals"`
	IsNFT    bool    `json:"is_nft"`
	Name     *string `json:"name,omitempty"`
	Symbol   *string `json:"symbol,omitempty"`
	URI      *string `json:"uri,omitempty"`
}

type FullTokenTransfer struct {
	TokenTransfer TokenTransfer `json:"token_transfer"`
	MintAccount   Mint          `json:"mint_account"`
}

// FullTransaction is a transaction with its token transfers.
type FullTransaction struct {
	Transaction    Transaction         `json:"transaction"`
	TokenTransfers []FullTokenTransfer `json:"token_transfers"`
}

// TransactionPage is one page of history. NextFromHash is set when more
// rows may follow; pass it back as TransactionQuery.FromHash.
type TransactionPage struct {
	Transactions []FullTransaction `json:"transactions"`
	Count        int               `json:"count"`
	NextFromHash string            `json:"next_from_hash,omitempty"`
}

// TransactionQuery selects transactions. Zero values mean "any".
type TransactionQuery struct {
	Direction string // incoming, outgoing
	Kind      string // all, sol, spl
	Mint      string
	FromHash  string
	Limit     int
}

func (q TransactionQuery) values() url.Values {
	v := url.Values{}
	if q.Direction != "" {
		v.Set("direction", q.Direction)
	}
	if q.Kind != "" {
		v.Set("kind", q.Kind)
	}
	if q.Mint != "" {
		v.Set("mint", q.Mint)
	}
	if q.FromHash != "" {
		v.Set("from_hash", q.FromHash)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// Token is a tracked token account.
type Token struct {
	Mint      string          `json:"mint"`
	Decimals  int             `json:"decimals"`
	IsNFT     bool            `json:"is_nft"`
	Balance   uint64          `json:"balance"`
	UIBalance decimal.Decimal `json:"ui_balance"`
	Name      *string         `json:"name,omitempty"`
	Symbol    *string         `json:"symbol,omitempty"`
	URI       *string         `json:"uri,omitempty"`
}

// PendingTransaction is a locally broadcast transaction to record.
type PendingTransaction struct {
	Hash      string           `json:"hash"`
	Timestamp int64            `json:"timestamp"`
	From      *string          `json:"from,omitempty"`
	To        *string          `json:"to,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Fee       *decimal.Decimal `json:"fee,omitempty"`
}

// Event is one engine update from the event stream. Only the field matching
// Type is set.
type Event struct {
	Type         string            `json:"type"`
	Time         time.Time         `json:"time"`
	BlockHeight  *uint64           `json:"block_height,omitempty"`
	Balance      *uint64           `json:"balance,omitempty"`
	State        *SyncState        `json:"state,omitempty"`
	TokenAccount json.RawMessage   `json:"token_account,omitempty"`
	Transactions []FullTransaction `json:"transactions,omitempty"`
}

// Client is the HTTP client for the solsync service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client. httpClient and logger are optional.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Status returns the engine status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the cached native balance.
func (c *Client) Balance(ctx context.Context) (*Balance, error) {
	var out Balance
	if err := c.do(ctx, http.MethodGet, "/api/v1/balance", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transactions returns one page of transaction history, newest first.
func (c *Client) Transactions(ctx context.Context, q TransactionQuery) (*TransactionPage, error) {
	path := "/api/v1/transactions"
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out TransactionPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordPendingTransaction records a transaction this host broadcast.
func (c *Client) RecordPendingTransaction(ctx context.Context, tx PendingTransaction) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/transactions/pending", tx, nil, http.StatusAccepted); err != nil {
		return err
	}
	c.logger.Debug("pending transaction recorded", "hash", tx.Hash)
	return nil
}

// Tokens lists tracked token accounts. kind is "", "fungible" or "nft".
func (c *Client) Tokens(ctx context.Context, kind string) ([]Token, error) {
	path := "/api/v1/tokens"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var out struct {
		Tokens []Token `json:"tokens"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// Token returns one token account.
func (c *Client) Token(ctx context.Context, mint string) (*Token, error) {
	var out Token
	if err := c.do(ctx, http.MethodGet, "/api/v1/tokens/"+url.PathEscape(mint), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddToken starts tracking mint. It reports whether the mint was new.
func (c *Client) AddToken(ctx context.Context, mint string, decimals int) (bool, error) {
	body := map[string]interface{}{
		"mint":     mint,
		"decimals": decimals,
	}
	var out struct {
		Created bool `json:"created"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tokens", body, &out, http.StatusCreated, http.StatusOK); err != nil {
		return false, err
	}
	c.logger.Debug("token added", "mint", mint, "created", out.Created)
	return out.Created, nil
}

// Refresh asks the server to sync every domain now.
func (c *Client) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/refresh", nil, nil, http.StatusAccepted)
}

// Stream calls fn for every event until ctx is done, the server closes the
// stream, or fn returns an error. The initial "connected" frame is skipped.
func (c *Client) Stream(ctx context.Context, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/stream", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client's timeout would cut the stream.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var eventType string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" && eventType != "connected" && data.Len() > 0 {
				var e Event
				if err := json.Unmarshal(data.Bytes(), &e); err != nil {
					c.logger.Warn("failed to decode event", "type", eventType, "error", err)
				} else if err := fn(e); err != nil {
					return err
				}
			}
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, okCodes ...int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range okCodes {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		return c.parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
