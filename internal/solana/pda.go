package solana

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	maxSeeds      = 16
	maxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

// ErrNoViableBump is returned when all 256 bump candidates land on the
// curve. Probability ~2^-256; callers treat it as fatal.
var ErrNoViableBump = errors.New("no viable bump seed found")

// ErrAddressOnCurve is returned by CreateProgramAddress when the hash
// for the given bump is a valid curve point and cannot be used.
var ErrAddressOnCurve = errors.New("derived address is on the curve")

// CreateProgramAddress hashes seeds ++ [bump] ++ programID ++ marker and
// returns the result if it is off the curve.
func CreateProgramAddress(seeds [][]byte, bump uint8, programID Address) (Address, error) {
	if len(seeds) >= maxSeeds {
		return Address{}, fmt.Errorf("too many seeds: %d (max %d including bump)", len(seeds), maxSeeds)
	}
	for i, seed := range seeds {
		if len(seed) > maxSeedLength {
			return Address{}, fmt.Errorf("seed %d is %d bytes (max %d)", i, len(seed), maxSeedLength)
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write([]byte{bump})
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var addr Address
	copy(addr[:], h.Sum(nil))

	if isOnCurve([32]byte(addr)) {
		return Address{}, ErrAddressOnCurve
	}
	return addr, nil
}

// FindProgramAddress iterates the bump seed from 255 down to 0 and
// returns the first off-curve derivation. The search is deterministic:
// the same seeds and program always yield the same address and bump.
func FindProgramAddress(seeds [][]byte, programID Address) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateProgramAddress(seeds, uint8(bump), programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrAddressOnCurve) {
			return Address{}, 0, err
		}
	}
	return Address{}, 0, ErrNoViableBump
}

// FindAssociatedTokenAddress derives the canonical token account for a
// wallet and mint: a PDA of the associated-token program over
// (owner, token program, mint).
func FindAssociatedTokenAddress(owner, mint Address) (Address, uint8, error) {
	tokenProgram := MustAddress(TokenProgramID)
	ataProgram := MustAddress(AssociatedTokenProgramID)

	seeds := [][]byte{owner[:], tokenProgram[:], mint[:]}
	return FindProgramAddress(seeds, ataProgram)
}

// FindSubscriptionAddress derives the per-subscription state account
// owned by the settlement program.
func FindSubscriptionAddress(subscriptionID string, programID Address) (Address, uint8, error) {
	return FindProgramAddress([][]byte{[]byte("subscription"), []byte(subscriptionID)}, programID)
}

// FindConfigAddress derives the program's global config account.
func FindConfigAddress(programID Address) (Address, uint8, error) {
	return FindProgramAddress([][]byte{[]byte("config")}, programID)
}
