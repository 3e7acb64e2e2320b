package pricesource

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// mintLength is the size of a decoded Solana public key.
const mintLength = 32

// ValidateMint checks that tokenID is a base58 encoded 32-byte address.
// Failures are Fatal: retrying a malformed id never helps.
func ValidateMint(tokenID string) error {
	if tokenID == "" {
		return &Error{Kind: KindFatal, Op: "validate_mint", Err: fmt.Errorf("empty token id")}
	}
	raw, err := base58.Decode(tokenID)
	if err != nil {
		return &Error{Kind: KindFatal, Op: "validate_mint", TokenID: tokenID, Err: fmt.Errorf("decode base58: %w", err)}
	}
	if len(raw) != mintLength {
		return &Error{Kind: KindFatal, Op: "validate_mint", TokenID: tokenID, Err: fmt.Errorf("decoded length %d, want %d", len(raw), mintLength)}
	}
	return nil
}
