package solana

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProgramAddressDeterministic(t *testing.T) {
	programID := MustAddress(TokenProgramID)
	seeds := [][]byte{[]byte("subscription"), []byte("sub-001")}

	addr1, bump1, err := FindProgramAddress(seeds, programID)
	require.NoError(t, err)
	addr2, bump2, err := FindProgramAddress(seeds, programID)
	require.NoError(t, err)

	assert.Equal(t, addr1, addr2)
	assert.Equal(t, bump1, bump2)
}

func TestFindProgramAddressOffCurve(t *testing.T) {
	programID := MustAddress(TokenProgramID)

	addr, bump, err := FindProgramAddress([][]byte{[]byte("config")}, programID)
	require.NoError(t, err)
	assert.False(t, isOnCurve([32]byte(addr)), "derived address must be off the curve")

	// Recreating with the found bump must yield the same address.
	recreated, err := CreateProgramAddress([][]byte{[]byte("config")}, bump, programID)
	require.NoError(t, err)
	assert.Equal(t, addr, recreated)
}

func TestFindProgramAddressDifferentSeedsDiffer(t *testing.T) {
	programID := MustAddress(TokenProgramID)

	a, _, err := FindProgramAddress([][]byte{[]byte("subscription"), []byte("alpha")}, programID)
	require.NoError(t, err)
	b, _, err := FindProgramAddress([][]byte{[]byte("subscription"), []byte("beta")}, programID)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCreateProgramAddressSeedValidation(t *testing.T) {
	programID := MustAddress(TokenProgramID)

	longSeed := make([]byte, maxSeedLength+1)
	_, err := CreateProgramAddress([][]byte{longSeed}, 255, programID)
	assert.Error(t, err)

	tooMany := make([][]byte, maxSeeds)
	for i := range tooMany {
		tooMany[i] = []byte("s")
	}
	_, err = CreateProgramAddress(tooMany, 255, programID)
	assert.Error(t, err)
}

func TestFindAssociatedTokenAddress(t *testing.T) {
	owner := MustAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	mint := MustAddress(MemoProgramID)

	addr1, _, err := FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	addr2, _, err := FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)

	// Swapping owner and mint must give a different account.
	swapped, _, err := FindAssociatedTokenAddress(mint, owner)
	require.NoError(t, err)
	assert.NotEqual(t, addr1, swapped)
}

func TestAddressBase58RoundTrip(t *testing.T) {
	addr := MustAddress(TokenProgramID)
	parsed, err := AddressFromBase58(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)

	_, err = AddressFromBase58("not-base58-0OIl")
	assert.Error(t, err)

	_, err = AddressFromBase58("abc")
	assert.Error(t, err)

	assert.True(t, ValidBase58Address(TokenProgramID))
	assert.False(t, ValidBase58Address("tooshort"))
}
