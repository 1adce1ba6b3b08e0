package db

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Transaction is a cached Solana transaction that involves the wallet.
// Identity is the signature (Hash). Pending transactions were recorded locally
// and have not been reconciled against the node yet.
type Transaction struct {
	Hash      string           `json:"hash"`
	Timestamp int64            `json:"timestamp"` // unix seconds
	Fee       *decimal.Decimal `json:"fee,omitempty"`
	From      *string          `json:"from,omitempty"`
	To        *string          `json:"to,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"` // native SOL amount, nil if none moved
	Error     *string          `json:"error,omitempty"`
	Pending   bool             `json:"pending"`
}

// TokenTransfer is a movement of an SPL token in or out of the wallet
// within a single transaction.
type TokenTransfer struct {
	TransactionHash string          `json:"transaction_hash"`
	MintAddress     string          `json:"mint_address"`
	Amount          decimal.Decimal `json:"amount"`
	Incoming        bool            `json:"incoming"`
}

// MintAccount describes a token mint.
type MintAccount struct {
	Address  string  `json:"address"`
	Decimals int     `json:"decimals"`
	IsNFT    bool    `json:"is_nft"`
	Name     *string `json:"name,omitempty"`
	Symbol   *string `json:"symbol,omitempty"`
	URI      *string `json:"uri,omitempty"`
}

// TokenAccount is the wallet's balance of one mint, in raw (undivided) units.
type TokenAccount struct {
	MintAddress string `json:"mint_address"`
	Balance     uint64 `json:"balance"`
	Decimals    int    `json:"decimals"`
}

// FullTokenAccount joins a token account with its mint.
type FullTokenAccount struct {
	TokenAccount TokenAccount `json:"token_account"`
	MintAccount  MintAccount  `json:"mint_account"`
}

// UIBalance returns the balance divided by the mint decimals.
func (a FullTokenAccount) UIBalance() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(a.TokenAccount.Balance), int32(-a.MintAccount.Decimals))
}

// FullTokenTransfer joins a token transfer with its mint.
type FullTokenTransfer struct {
	TokenTransfer TokenTransfer `json:"token_transfer"`
	MintAccount   MintAccount   `json:"mint_account"`
}

// FullTransaction is a transaction together with its token transfers.
type FullTransaction struct {
	Transaction    Transaction         `json:"transaction"`
	TokenTransfers []FullTokenTransfer `json:"token_transfers"`

	// Incomplete marks a record built from signature metadata only because its
	// details could not be fetched. It is not persisted.
	Incomplete bool `json:"-"`
}

// MintAccounts returns the distinct mints referenced by the transaction.
func (t FullTransaction) MintAccounts() []MintAccount {
	seen := make(map[string]struct{}, len(t.TokenTransfers))
	mints := make([]MintAccount, 0, len(t.TokenTransfers))
	for _, tt := range t.TokenTransfers {
		if _, ok := seen[tt.MintAccount.Address]; ok {
			continue
		}
		seen[tt.MintAccount.Address] = struct{}{}
		mints = append(mints, tt.MintAccount)
	}
	return mints
}

// LastSyncedTransaction is the watermark for one transaction source.
type LastSyncedTransaction struct {
	SyncSourceName string `json:"sync_source_name"`
	Hash           string `json:"hash"`
}

// Direction filters transactions relative to the wallet.
type Direction int

const (
	DirectionAny Direction = iota
	DirectionIncoming
	DirectionOutgoing
)

// ParseDirection maps "incoming"/"outgoing"/"" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "any", "all":
		return DirectionAny, nil
	case "incoming", "in":
		return DirectionIncoming, nil
	case "outgoing", "out":
		return DirectionOutgoing, nil
	default:
		return DirectionAny, fmt.Errorf("invalid direction %q: must be 'incoming' or 'outgoing'", s)
	}
}

// TransactionKind restricts a transaction query to native or token movements.
type TransactionKind int

const (
	KindAll TransactionKind = iota
	KindSOL
	KindSPL
)

// ParseTransactionKind maps "all"/"sol"/"spl" to a TransactionKind.
func ParseTransactionKind(s string) (TransactionKind, error) {
	switch s {
	case "", "all":
		return KindAll, nil
	case "sol":
		return KindSOL, nil
	case "spl":
		return KindSPL, nil
	default:
		return KindAll, fmt.Errorf("invalid kind %q: must be 'all', 'sol' or 'spl'", s)
	}
}

// TransactionFilter selects a page of transaction history.
// Results are ordered newest first. FromHash, when set, returns only
// transactions strictly older than that transaction. Limit <= 0 means no limit.
type TransactionFilter struct {
	Owner     string // wallet address that Direction is relative to
	Direction Direction
	Kind      TransactionKind
	Mint      string // only with KindSPL; empty matches any mint
	FromHash  string
	Limit     int
}
