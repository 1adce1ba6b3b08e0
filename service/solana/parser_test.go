package solana

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTransactionEnvelope builds a TransactionResultEnvelope from a Transaction.
// Since TransactionResultEnvelope has unexported fields, we use JSON marshaling.
func makeTransactionEnvelope(t *testing.T, tx *solana.Transaction) *rpc.TransactionResultEnvelope {
	t.Helper()

	txJSON, err := json.Marshal(tx)
	require.NoError(t, err)

	var temp struct {
		Transaction json.RawMessage `json:"transaction"`
	}
	temp.Transaction = txJSON
	envelopeJSON, err := json.Marshal(temp)
	require.NoError(t, err)

	var result rpc.GetTransactionResult
	require.NoError(t, json.Unmarshal(envelopeJSON, &result))
	return result.Transaction
}

func testKey(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = b
	return k
}

func testSig(b byte) solana.Signature {
	var s solana.Signature
	s[0] = b
	s[63] = b
	return s
}

func systemTransferData(lamports uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], SystemProgramTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return data
}

func transferTx(from, to solana.PublicKey, lamports uint64) *solana.Transaction {
	return &solana.Transaction{
		Message: solana.Message{
			AccountKeys: []solana.PublicKey{from, to, SystemProgramID},
			Instructions: []solana.CompiledInstruction{
				{
					ProgramIDIndex: 2,
					Accounts:       []uint16{0, 1},
					Data:           systemTransferData(lamports),
				},
			},
		},
	}
}

func sigInfo(sig solana.Signature, blockTime int64) *rpc.TransactionSignature {
	bt := solana.UnixTimeSeconds(blockTime)
	return &rpc.TransactionSignature{Signature: sig, Slot: 100, BlockTime: &bt}
}

func TestParseTransaction_SOLTransfer(t *testing.T) {
	owner := testKey(1)
	other := testKey(2)
	sig := testSig(1)

	tests := []struct {
		name     string
		from, to solana.PublicKey
		wantFrom string
		wantTo   string
	}{
		{"outgoing", owner, other, owner.String(), other.String()},
		{"incoming", other, owner, other.String(), owner.String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &rpc.GetTransactionResult{
				Transaction: makeTransactionEnvelope(t, transferTx(tt.from, tt.to, 1_500_000_000)),
				Meta:        &rpc.TransactionMeta{Fee: 5000},
			}

			ft, err := parseTransactionFromResult(owner, sigInfo(sig, 1700000000), result)
			require.NoError(t, err)

			assert.Equal(t, sig.String(), ft.Transaction.Hash)
			assert.Equal(t, int64(1700000000), ft.Transaction.Timestamp)
			require.NotNil(t, ft.Transaction.Fee)
			assert.True(t, ft.Transaction.Fee.Equal(decimal.RequireFromString("0.000005")))
			require.NotNil(t, ft.Transaction.Amount)
			assert.True(t, ft.Transaction.Amount.Equal(decimal.RequireFromString("1.5")))
			assert.Equal(t, tt.wantFrom, *ft.Transaction.From)
			assert.Equal(t, tt.wantTo, *ft.Transaction.To)
			assert.Nil(t, ft.Transaction.Error)
			assert.Empty(t, ft.TokenTransfers)
		})
	}
}

func TestParseTransaction_UnrelatedTransfer(t *testing.T) {
	owner := testKey(1)
	result := &rpc.GetTransactionResult{
		Transaction: makeTransactionEnvelope(t, transferTx(testKey(2), testKey(3), 1000)),
		Meta:        &rpc.TransactionMeta{Fee: 5000},
	}

	ft, err := parseTransactionFromResult(owner, sigInfo(testSig(2), 1), result)
	require.NoError(t, err)
	assert.Nil(t, ft.Transaction.Amount)
	assert.Nil(t, ft.Transaction.From)
	assert.Nil(t, ft.Transaction.To)
}

func TestParseTransaction_FailedTransaction(t *testing.T) {
	owner := testKey(1)
	result := &rpc.GetTransactionResult{
		Transaction: makeTransactionEnvelope(t, transferTx(owner, testKey(2), 1000)),
		Meta: &rpc.TransactionMeta{
			Fee: 5000,
			Err: map[string]any{"InstructionError": []any{0, "InvalidAccountData"}},
		},
	}

	ft, err := parseTransactionFromResult(owner, sigInfo(testSig(3), 1), result)
	require.NoError(t, err)
	require.NotNil(t, ft.Transaction.Error)
	assert.Contains(t, *ft.Transaction.Error, "InstructionError")
	require.NotNil(t, ft.Transaction.Fee)
	assert.Nil(t, ft.Transaction.Amount)
	assert.Empty(t, ft.TokenTransfers)
}

func tokenBalance(index uint16, owner, mint solana.PublicKey, amount string, decimals uint8) rpc.TokenBalance {
	o := owner
	return rpc.TokenBalance{
		AccountIndex:  index,
		Owner:         &o,
		Mint:          mint,
		UiTokenAmount: &rpc.UiTokenAmount{Amount: amount, Decimals: decimals},
	}
}

func TestParseTransaction_TokenTransfers(t *testing.T) {
	owner := testKey(1)
	other := testKey(2)
	usdc := testKey(10)
	nft := testKey(11)
	unchanged := testKey(12)

	meta := &rpc.TransactionMeta{
		Fee: 5000,
		PreTokenBalances: []rpc.TokenBalance{
			tokenBalance(3, owner, usdc, "1000000", 6),
			tokenBalance(4, owner, nft, "1", 0),
			tokenBalance(5, owner, unchanged, "7", 2),
			tokenBalance(6, other, usdc, "9000000", 6),
		},
		PostTokenBalances: []rpc.TokenBalance{
			tokenBalance(3, owner, usdc, "3500000", 6),
			tokenBalance(4, owner, nft, "0", 0),
			tokenBalance(5, owner, unchanged, "7", 2),
			tokenBalance(6, other, usdc, "6500000", 6),
		},
	}
	result := &rpc.GetTransactionResult{
		Transaction: makeTransactionEnvelope(t, &solana.Transaction{Message: solana.Message{
			AccountKeys: []solana.PublicKey{owner, other},
		}}),
		Meta: meta,
	}

	ft, err := parseTransactionFromResult(owner, sigInfo(testSig(4), 1), result)
	require.NoError(t, err)
	require.Len(t, ft.TokenTransfers, 2)

	byMint := map[string]int{}
	for i, tt := range ft.TokenTransfers {
		byMint[tt.MintAccount.Address] = i
		assert.Equal(t, testSig(4).String(), tt.TokenTransfer.TransactionHash)
	}

	in := ft.TokenTransfers[byMint[usdc.String()]]
	assert.True(t, in.TokenTransfer.Incoming)
	assert.True(t, in.TokenTransfer.Amount.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 6, in.MintAccount.Decimals)
	assert.False(t, in.MintAccount.IsNFT)

	out := ft.TokenTransfers[byMint[nft.String()]]
	assert.False(t, out.TokenTransfer.Incoming)
	assert.True(t, out.TokenTransfer.Amount.Equal(decimal.NewFromInt(1)))
	assert.True(t, out.MintAccount.IsNFT)
}

func TestParseTransaction_TokenAccountCreated(t *testing.T) {
	owner := testKey(1)
	mint := testKey(10)
	meta := &rpc.TransactionMeta{
		PostTokenBalances: []rpc.TokenBalance{tokenBalance(2, owner, mint, "42", 0)},
	}
	result := &rpc.GetTransactionResult{
		Transaction: makeTransactionEnvelope(t, &solana.Transaction{Message: solana.Message{
			AccountKeys: []solana.PublicKey{owner},
		}}),
		Meta: meta,
	}

	ft, err := parseTransactionFromResult(owner, sigInfo(testSig(5), 1), result)
	require.NoError(t, err)
	require.Len(t, ft.TokenTransfers, 1)
	assert.True(t, ft.TokenTransfers[0].TokenTransfer.Incoming)
	assert.True(t, ft.TokenTransfers[0].TokenTransfer.Amount.Equal(decimal.NewFromInt(42)))
	assert.False(t, ft.TokenTransfers[0].MintAccount.IsNFT)
}

func TestSignatureToDomain(t *testing.T) {
	sig := sigInfo(testSig(6), 1234)
	sig.Err = map[string]any{"InstructionError": []any{0, "Custom"}}

	ft := signatureToDomain(sig)
	assert.Equal(t, testSig(6).String(), ft.Transaction.Hash)
	assert.Equal(t, int64(1234), ft.Transaction.Timestamp)
	require.NotNil(t, ft.Transaction.Error)
	assert.Nil(t, ft.Transaction.Fee)
	assert.NotNil(t, ft.TokenTransfers)
}

func TestDecodeTokenAccountAmount(t *testing.T) {
	data := make([]byte, 165)
	binary.LittleEndian.PutUint64(data[64:72], 123456789)

	amount, err := decodeTokenAccountAmount(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(123456789), amount)

	_, err = decodeTokenAccountAmount(data[:40])
	assert.Error(t, err)
}

func TestFormatTxError(t *testing.T) {
	assert.Nil(t, formatTxError(nil))
	assert.Equal(t, "boom", *formatTxError("boom"))
	assert.Equal(t, `{"InstructionError":[0,"X"]}`, *formatTxError(map[string]any{"InstructionError": []any{0, "X"}}))
}
