package solana

import (
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Confirmation is the on-chain outcome of a transaction.
// Confirmed is false while the node has not produced metadata for it yet.
// Err carries the execution error of a confirmed, failed transaction.
type Confirmation struct {
	Confirmed bool
	Err       *string
}

// ValidateAddress reports whether s is a base58-encoded 32-byte public key.
func ValidateAddress(s string) error {
	if _, err := solana.PublicKeyFromBase58(s); err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	return nil
}

// ValidateSignature reports whether s is a base58-encoded transaction signature.
func ValidateSignature(s string) error {
	if _, err := solana.SignatureFromBase58(s); err != nil {
		return fmt.Errorf("invalid signature %q: %w", s, err)
	}
	return nil
}

// formatTxError renders an RPC transaction error (an arbitrary JSON value such
// as {"InstructionError":[0,{"Custom":1}]}) as a string.
func formatTxError(txErr any) *string {
	if txErr == nil {
		return nil
	}
	var s string
	if str, ok := txErr.(string); ok {
		s = str
	} else if b, err := json.Marshal(txErr); err == nil {
		s = string(b)
	} else {
		s = fmt.Sprint(txErr)
	}
	return &s
}
