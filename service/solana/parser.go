package solana

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/brojonat/solsync/service/db"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.SystemProgramID

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.TokenProgramID
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// lamportsPerSOL expressed as a decimal exponent.
const solDecimals = 9

// splTokenAmountOffset is where the u64 amount lives in an SPL token account
// (mint 32 bytes, owner 32 bytes, amount 8 bytes).
const splTokenAmountOffset = 64

// LamportsToSOL converts lamports to a SOL decimal.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -solDecimals)
}

// signatureToDomain builds a metadata-only record from a signature listing.
// Fee, amounts and transfers need the full transaction.
func signatureToDomain(sig *rpc.TransactionSignature) db.FullTransaction {
	txn := db.Transaction{
		Hash:  sig.Signature.String(),
		Error: formatTxError(sig.Err),
	}
	if sig.BlockTime != nil {
		txn.Timestamp = int64(*sig.BlockTime)
	}
	return db.FullTransaction{Transaction: txn, TokenTransfers: []db.FullTokenTransfer{}}
}

// parseTransactionFromResult derives the wallet-relative view of a transaction:
// fee, native SOL transfer involving owner, and SPL token balance changes of
// token accounts owned by owner.
func parseTransactionFromResult(owner solana.PublicKey, sig *rpc.TransactionSignature, result *rpc.GetTransactionResult) (db.FullTransaction, error) {
	ft := signatureToDomain(sig)
	if result == nil {
		return ft, nil
	}
	if result.BlockTime != nil {
		ft.Transaction.Timestamp = int64(*result.BlockTime)
	}

	meta := result.Meta
	if meta != nil {
		fee := LamportsToSOL(meta.Fee)
		ft.Transaction.Fee = &fee
		if meta.Err != nil {
			ft.Transaction.Error = formatTxError(meta.Err)
		}
	}
	if ft.Transaction.Error != nil {
		// Failed transactions move nothing but the fee.
		return ft, nil
	}

	if result.Transaction == nil {
		return ft, nil
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return ft, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if tx == nil {
		return ft, nil
	}

	accountKeys := tx.Message.AccountKeys
	if meta != nil {
		accountKeys = append(append(solana.PublicKeySlice{}, accountKeys...), meta.LoadedAddresses.Writable...)
		accountKeys = append(accountKeys, meta.LoadedAddresses.ReadOnly...)
	}

	var lamports uint64
	for _, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			continue
		}
		if !accountKeys[instruction.ProgramIDIndex].Equals(SystemProgramID) {
			continue
		}
		amount, from, to, err := parseSystemTransfer(instruction, accountKeys)
		if err != nil {
			continue
		}
		if !from.Equals(owner) && !to.Equals(owner) {
			continue
		}
		fromStr, toStr := from.String(), to.String()
		ft.Transaction.From = &fromStr
		ft.Transaction.To = &toStr
		lamports += amount
	}
	if ft.Transaction.From != nil {
		amount := LamportsToSOL(lamports)
		ft.Transaction.Amount = &amount
	}

	if meta != nil {
		ft.TokenTransfers = parseTokenBalanceChanges(owner, ft.Transaction.Hash, meta)
	}
	return ft, nil
}

// parseSystemTransfer extracts lamports, source and destination from a System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (uint64, solana.PublicKey, solana.PublicKey, error) {
	// System Transfer instruction format:
	// [0..4]  = instruction type (u32, should be 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return 0, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("instruction data too short: %d bytes", len(instruction.Data))
	}

	instructionType := binary.LittleEndian.Uint32(instruction.Data[0:4])
	if instructionType != SystemProgramTransferInstruction {
		return 0, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("not a transfer instruction: type %d", instructionType)
	}

	// System Transfer accounts: [from, to]
	if len(instruction.Accounts) < 2 {
		return 0, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("transfer missing accounts")
	}
	fromIdx, toIdx := int(instruction.Accounts[0]), int(instruction.Accounts[1])
	if fromIdx >= len(accountKeys) || toIdx >= len(accountKeys) {
		return 0, solana.PublicKey{}, solana.PublicKey{}, fmt.Errorf("account index out of bounds")
	}

	amount := binary.LittleEndian.Uint64(instruction.Data[4:12])
	return amount, accountKeys[fromIdx], accountKeys[toIdx], nil
}

type mintDelta struct {
	decimals uint8
	delta    *big.Int
}

// parseTokenBalanceChanges nets pre/post token balances of accounts owned by
// owner into one transfer per mint. A mint with zero decimals moving exactly
// one unit is treated as an NFT.
func parseTokenBalanceChanges(owner solana.PublicKey, hash string, meta *rpc.TransactionMeta) []db.FullTokenTransfer {
	deltas := make(map[solana.PublicKey]*mintDelta)
	apply := func(tb rpc.TokenBalance, sign int) {
		if tb.Owner == nil || !tb.Owner.Equals(owner) || tb.UiTokenAmount == nil {
			return
		}
		amount, ok := new(big.Int).SetString(tb.UiTokenAmount.Amount, 10)
		if !ok {
			return
		}
		d, exists := deltas[tb.Mint]
		if !exists {
			d = &mintDelta{decimals: tb.UiTokenAmount.Decimals, delta: new(big.Int)}
			deltas[tb.Mint] = d
		}
		if sign < 0 {
			d.delta.Sub(d.delta, amount)
		} else {
			d.delta.Add(d.delta, amount)
		}
	}
	for _, tb := range meta.PreTokenBalances {
		apply(tb, -1)
	}
	for _, tb := range meta.PostTokenBalances {
		apply(tb, 1)
	}

	transfers := make([]db.FullTokenTransfer, 0, len(deltas))
	for mint, d := range deltas {
		if d.delta.Sign() == 0 {
			continue
		}
		abs := new(big.Int).Abs(d.delta)
		isNFT := d.decimals == 0 && abs.Cmp(big.NewInt(1)) == 0
		mintAccount := db.MintAccount{Address: mint.String(), Decimals: int(d.decimals), IsNFT: isNFT}
		transfers = append(transfers, db.FullTokenTransfer{
			TokenTransfer: db.TokenTransfer{
				TransactionHash: hash,
				MintAddress:     mintAccount.Address,
				Amount:          decimal.NewFromBigInt(abs, -int32(d.decimals)),
				Incoming:        d.delta.Sign() > 0,
			},
			MintAccount: mintAccount,
		})
	}
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].MintAccount.Address < transfers[j].MintAccount.Address
	})
	return transfers
}

// decodeTokenAccountAmount reads the raw amount out of SPL token account data.
func decodeTokenAccountAmount(data []byte) (uint64, error) {
	if len(data) < splTokenAmountOffset+8 {
		return 0, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data[splTokenAmountOffset : splTokenAmountOffset+8]), nil
}
