package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/brojonat/solsync/service/db"
	"github.com/brojonat/solsync/service/solana"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxSignatureLength = 100     // signatures are 88 chars
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleStatus returns the combined engine status.
// GET /api/v1/status
func handleStatus(engine Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, err := engine.StatusInfo(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get status", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, status, http.StatusOK)
	})
}

type balanceResponse struct {
	Address  string          `json:"address"`
	Lamports uint64          `json:"lamports"`
	SOL      decimal.Decimal `json:"sol"`
}

// handleGetBalance returns the cached native balance.
// GET /api/v1/balance
func handleGetBalance(engine Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lamports, err := engine.Balance(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get balance", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, balanceResponse{
			Address:  engine.Address(),
			Lamports: lamports,
			SOL:      solana.LamportsToSOL(lamports),
		}, http.StatusOK)
	})
}

// handleListTransactions returns a page of cached transaction history.
// GET /api/v1/transactions?direction=incoming|outgoing&kind=all|sol|spl&mint=&from_hash=&limit=
func handleListTransactions(engine Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseTransactionFilter(r)
		if err != nil {
			logger.DebugContext(r.Context(), "invalid transaction filter", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txs, err := engine.Transactions(r.Context(), filter)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list transactions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if txs == nil {
			txs = []db.FullTransaction{}
		}

		logger.DebugContext(r.Context(), "transactions listed", "count", len(txs))

		resp := map[string]interface{}{
			"transactions": txs,
			"count":        len(txs),
			"limit":        filter.Limit,
		}
		if len(txs) == filter.Limit {
			resp["next_from_hash"] = txs[len(txs)-1].Transaction.Hash
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

func parseTransactionFilter(r *http.Request) (db.TransactionFilter, error) {
	query := r.URL.Query()
	filter := db.TransactionFilter{Limit: defaultListLimit}

	direction, err := db.ParseDirection(query.Get("direction"))
	if err != nil {
		return filter, errorf("%v", err)
	}
	filter.Direction = direction

	kind, err := db.ParseTransactionKind(query.Get("kind"))
	if err != nil {
		return filter, errorf("%v", err)
	}
	filter.Kind = kind

	if mint := query.Get("mint"); mint != "" {
		if err := validateAddress(mint); err != nil {
			return filter, errorf("invalid mint: %v", err)
		}
		if filter.Kind == db.KindAll {
			filter.Kind = db.KindSPL
		}
		if filter.Kind != db.KindSPL {
			return filter, errorf("mint can only be used with kind=spl")
		}
		filter.Mint = mint
	}

	if from := query.Get("from_hash"); from != "" {
		if err := validateSignature(from); err != nil {
			return filter, errorf("invalid from_hash: %v", err)
		}
		filter.FromHash = from
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return filter, errorf("invalid limit parameter: must be an integer")
		}
		if limit < 1 {
			return filter, errorf("limit must be at least 1")
		}
		if limit > maxListLimit {
			return filter, errorf("limit cannot exceed %d", maxListLimit)
		}
		filter.Limit = limit
	}

	return filter, nil
}

type pendingTransactionRequest struct {
	Hash      string           `json:"hash"`
	Timestamp int64            `json:"timestamp"`
	From      *string          `json:"from,omitempty"`
	To        *string          `json:"to,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Fee       *decimal.Decimal `json:"fee,omitempty"`
}

func (req pendingTransactionRequest) validate() error {
	if err := validateSignature(req.Hash); err != nil {
		return err
	}
	if req.Timestamp < 0 {
		return errorf("timestamp cannot be negative")
	}
	for name, addr := range map[string]*string{"from": req.From, "to": req.To} {
		if addr == nil {
			continue
		}
		if err := validateAddress(*addr); err != nil {
			return errorf("invalid %s: %v", name, err)
		}
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		return errorf("amount cannot be negative")
	}
	if req.Fee != nil && req.Fee.IsNegative() {
		return errorf("fee cannot be negative")
	}
	return nil
}

// handleRecordPendingTransaction stores a transaction broadcast by the caller.
// POST /api/v1/transactions/pending
func handleRecordPendingTransaction(engine Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pendingTransactionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := req.validate(); err != nil {
			logger.DebugContext(r.Context(), "invalid pending transaction", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.From == nil {
			addr := engine.Address()
			req.From = &addr
		}
		tx := db.FullTransaction{Transaction: db.Transaction{
			Hash:      req.Hash,
			Timestamp: req.Timestamp,
			Fee:       req.Fee,
			From:      req.From,
			To:        req.To,
			Amount:    req.Amount,
			Pending:   true,
		}}
		if err := engine.RecordPendingTransaction(r.Context(), tx); err != nil {
			logger.ErrorContext(r.Context(), "failed to record pending transaction", "hash", req.Hash, "error", err)
			writeError(w, "failed to record pending transaction", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "pending transaction recorded", "hash", req.Hash)
		writeJSON(w, map[string]interface{}{
			"hash":    req.Hash,
			"pending": true,
		}, http.StatusAccepted)
	})
}

// tokenResponse is the JSON response format for a token account.
type tokenResponse struct {
	Mint      string          `json:"mint"`
	Decimals  int             `json:"decimals"`
	IsNFT     bool            `json:"is_nft"`
	Balance   uint64          `json:"balance"`
	UIBalance decimal.Decimal `json:"ui_balance"`
	Name      *string         `json:"name,omitempty"`
	Symbol    *string         `json:"symbol,omitempty"`
	URI       *string         `json:"uri,omitempty"`
}

func tokenToResponse(a db.FullTokenAccount) tokenResponse {
	return tokenResponse{
		Mint:      a.MintAccount.Address,
		Decimals:  a.MintAccount.Decimals,
		IsNFT:     a.MintAccount.IsNFT,
		Balance:   a.TokenAccount.Balance,
		UIBalance: a.UIBalance(),
		Name:      a.MintAccount.Name,
		Symbol:    a.MintAccount.Symbol,
		URI:       a.MintAccount.URI,
	}
}

// handleListTokens lists tracked token accounts.
// GET /api/v1/tokens?kind=fungible|nft
func handleListTokens(engine Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := r.URL.Query().Get("kind")
		var accounts []db.FullTokenAccount
		switch kind {
		case "", "all":
			fungible, err := engine.FungibleTokenAccounts(r.Context())
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to list fungible tokens", "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			nfts, err := engine.NonFungibleTokenAccounts(r.Context())
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to list nfts", "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
			accounts = append(fungible, nfts...)
		case "fungible":
			var err error
			if accounts, err = engine.FungibleTokenAccounts(r.Context()); err != nil {
				logger.ErrorContext(r.Context(), "failed to list fungible tokens", "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
		case "nft":
			var err error
			if accounts, err = engine.NonFungibleTokenAccounts(r.Context()); err != nil {
				logger.ErrorContext(r.Context(), "failed to list nfts", "error", err)
				writeError(w, "internal server error", http.StatusInternalServerError)
				return
			}
		default:
			writeError(w, "invalid kind: must be 'fungible' or 'nft'", http.StatusBadRequest)
			return
		}

		resp := make([]tokenResponse, len(accounts))
		for i, a := range accounts {
			resp[i] = tokenToResponse(a)
		}
		writeJSON(w, map[string]interface{}{
			"tokens": resp,
			"count":  len(resp),
		}, http.StatusOK)
	})
}

// handleGetToken returns one token account.
// GET /api/v1/tokens/{mint}
func handleGetToken(engine Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint := r.PathValue("mint")
		if err := validateAddress(mint); err != nil {
			logger.DebugContext(r.Context(), "invalid mint", "mint", mint, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		account, err := engine.TokenAccount(r.Context(), mint)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to get token account", "mint", mint, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if account == nil {
			writeError(w, "token account not found", http.StatusNotFound)
			return
		}
		writeJSON(w, tokenToResponse(*account), http.StatusOK)
	})
}

type addTokenRequest struct {
	Mint     string `json:"mint"`
	Decimals *int   `json:"decimals"`
}

// handleAddToken starts tracking a mint.
// POST /api/v1/tokens
func handleAddToken(engine Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req addTokenRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := validateAddress(req.Mint); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Decimals == nil {
			writeError(w, "decimals is required", http.StatusBadRequest)
			return
		}
		if *req.Decimals < 0 || *req.Decimals > 255 {
			writeError(w, "decimals must be between 0 and 255", http.StatusBadRequest)
			return
		}
		if err := solana.ValidateAddress(req.Mint); err != nil {
			writeError(w, "invalid mint: not a valid public key", http.StatusBadRequest)
			return
		}

		created, err := engine.AddTokenAccount(r.Context(), req.Mint, *req.Decimals)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to add token account", "mint", req.Mint, "error", err)
			writeError(w, "failed to add token account", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "token account added", "mint", req.Mint, "created", created)
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, map[string]interface{}{
			"mint":    req.Mint,
			"created": created,
		}, status)
	})
}

// handleRefresh triggers a sync of every domain.
// POST /api/v1/refresh
func handleRefresh(engine Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		engine.Refresh()
		logger.DebugContext(r.Context(), "refresh requested")
		writeJSON(w, map[string]string{"status": "refreshing"}, http.StatusAccepted)
	})
}

// decodeBody reads a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates an address for format and obvious garbage.
func validateAddress(address string) error {
	return validateBase58("address", address, maxAddressLength)
}

// validateSignature validates a transaction signature.
func validateSignature(sig string) error {
	if err := validateBase58("hash", sig, maxSignatureLength); err != nil {
		return err
	}
	if err := solana.ValidateSignature(sig); err != nil {
		return errorf("invalid hash: not a valid transaction signature")
	}
	return nil
}

func validateBase58(field, value string, maxLen int) error {
	if value == "" {
		return errorf("%s is required", field)
	}

	if len(value) > maxLen {
		return errorf("%s too long: maximum length is %d characters", field, maxLen)
	}

	// Check for null bytes and control characters
	for _, r := range value {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in %s: control characters not allowed", field)
		}
	}

	if !validAddressRegex.MatchString(value) {
		return errorf("invalid %s format: must contain only valid base58 characters", field)
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
