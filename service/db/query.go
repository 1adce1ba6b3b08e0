package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// placeholderFunc renders the n-th (1-based) bind parameter for a dialect.
type placeholderFunc func(n int) string

func questionPlaceholder(int) string { return "?" }

func dollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

const transactionColumns = `t.hash, t.timestamp, t.fee, t.from_address, t.to_address, t.amount, t.error, t.pending`

// buildListTransactionsQuery renders the paged history query shared by the
// SQLite and Postgres stores.
func buildListTransactionsQuery(f TransactionFilter, ph placeholderFunc) (string, []any) {
	owner := f.Owner
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	transferExists := func(mint string, incoming *bool) string {
		cond := []string{"tt.transaction_hash = t.hash"}
		if mint != "" {
			cond = append(cond, "tt.mint_address = "+arg(mint))
		}
		if incoming != nil {
			cond = append(cond, "tt.incoming = "+arg(*incoming))
		}
		return "EXISTS (SELECT 1 FROM token_transfers tt WHERE " + strings.Join(cond, " AND ") + ")"
	}

	in, out := true, false
	switch f.Kind {
	case KindSOL:
		clauses = append(clauses, "t.amount IS NOT NULL")
		switch f.Direction {
		case DirectionIncoming:
			clauses = append(clauses, "t.to_address = "+arg(owner))
		case DirectionOutgoing:
			clauses = append(clauses, "t.from_address = "+arg(owner))
		}
	case KindSPL:
		switch f.Direction {
		case DirectionIncoming:
			clauses = append(clauses, transferExists(f.Mint, &in))
		case DirectionOutgoing:
			clauses = append(clauses, transferExists(f.Mint, &out))
		default:
			clauses = append(clauses, transferExists(f.Mint, nil))
		}
	default:
		switch f.Direction {
		case DirectionIncoming:
			clauses = append(clauses, "(t.to_address = "+arg(owner)+" OR "+transferExists("", &in)+")")
		case DirectionOutgoing:
			clauses = append(clauses, "(t.from_address = "+arg(owner)+" OR "+transferExists("", &out)+")")
		}
	}

	if f.FromHash != "" {
		ts1 := "(SELECT c.timestamp FROM transactions c WHERE c.hash = " + arg(f.FromHash) + ")"
		ts2 := "(SELECT c.timestamp FROM transactions c WHERE c.hash = " + arg(f.FromHash) + ")"
		clauses = append(clauses, fmt.Sprintf("(t.timestamp < %s OR (t.timestamp = %s AND t.hash < %s))", ts1, ts2, arg(f.FromHash)))
	}

	query := "SELECT " + transactionColumns + " FROM transactions t"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY t.timestamp DESC, t.hash DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	return query, args
}

// inClause renders "(p1, p2, ...)" for values starting after offset existing args.
func inClause(n, offset int, ph placeholderFunc) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = ph(offset + i + 1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func stringsToArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// decimalArg converts an optional decimal into a nullable TEXT argument.
func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// stringArg converts an optional string into a nullable argument.
func stringArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func decimalFromStringPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", *s, err)
	}
	return &d, nil
}

func formatBalance(balance uint64) string {
	return strconv.FormatUint(balance, 10)
}

func parseBalance(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token balance %q: %w", s, err)
	}
	return v, nil
}

// attachTransfers groups transfers by transaction hash, preserving tx order.
func attachTransfers(txs []Transaction, transfers []FullTokenTransfer) []FullTransaction {
	byHash := make(map[string][]FullTokenTransfer, len(txs))
	for _, tt := range transfers {
		byHash[tt.TokenTransfer.TransactionHash] = append(byHash[tt.TokenTransfer.TransactionHash], tt)
	}
	out := make([]FullTransaction, len(txs))
	for i, tx := range txs {
		tts := byHash[tx.Hash]
		if tts == nil {
			tts = []FullTokenTransfer{}
		}
		out[i] = FullTransaction{Transaction: tx, TokenTransfers: tts}
	}
	return out
}

// collectMints returns every distinct mint referenced by the transactions.
func collectMints(txs []FullTransaction) []MintAccount {
	seen := make(map[string]struct{})
	var mints []MintAccount
	for _, tx := range txs {
		for _, m := range tx.MintAccounts() {
			if _, ok := seen[m.Address]; ok {
				continue
			}
			seen[m.Address] = struct{}{}
			mints = append(mints, m)
		}
	}
	return mints
}
