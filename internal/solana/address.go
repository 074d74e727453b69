// Package solana implements the settlement-chain primitives the trigger
// engine needs: base58 addresses, program-derived address math, the
// instruction wire format, transaction assembly, and a JSON-RPC client.
package solana

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// Well-known program addresses on the settlement chain.
const (
	SystemProgramID          = "11111111111111111111111111111111"
	TokenProgramID           = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	AssociatedTokenProgramID = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	MemoProgramID            = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	InstructionsSysvarID     = "Sysvar1nstructions1111111111111111111111111"
)

// Address is a 32-byte account key, rendered as base58 on the wire.
type Address [32]byte

// AddressFromBase58 decodes a base58 string into an Address.
func AddressFromBase58(s string) (Address, error) {
	var addr Address
	decoded, err := base58.Decode(s)
	if err != nil {
		return addr, fmt.Errorf("invalid base58 address %q: %w", s, err)
	}
	if len(decoded) != 32 {
		return addr, fmt.Errorf("address %q decodes to %d bytes, want 32", s, len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

// AddressFromBytes copies a 32-byte slice into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	var addr Address
	if len(b) != 32 {
		return addr, fmt.Errorf("address needs 32 bytes, got %d", len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// MustAddress parses a base58 address and panics on failure. For
// compile-time constants only.
func MustAddress(s string) Address {
	addr, err := AddressFromBase58(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// AddressFromPublicKey converts an ed25519 public key into an Address.
func AddressFromPublicKey(pub ed25519.PublicKey) (Address, error) {
	return AddressFromBytes(pub)
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether the address is the all-zero key.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ValidBase58Address reports whether s decodes to a 32-byte key.
func ValidBase58Address(s string) bool {
	_, err := AddressFromBase58(s)
	return err == nil
}
