package solana

import "math/big"

// ed25519 field parameters.
var (
	// 2^255 - 19
	fieldPrime, _ = new(big.Int).SetString(
		"57896044618658097711785492504343953926634992332820282019728792003956564819949", 10)
	// Edwards curve constant d = -121665/121666 mod p
	curveD, _ = new(big.Int).SetString(
		"37095705934669439343138083508754565189542113879843219016388785533085940283555", 10)

	bigOne = big.NewInt(1)
)

// isOnCurve reports whether the 32 bytes decompress to a point on the
// ed25519 curve. Derived addresses must be OFF the curve so that no
// private key can ever sign for them.
//
// This is a quadratic-residue test on the recovered x^2, not a full
// canonical point validation: it skips the sign-bit consistency check
// and accepts non-canonical y encodings below p. The settlement chain's
// own loader applies the same relaxed test, so both sides agree on
// which candidates are rejected during bump iteration. Tightening only
// this side would make the two ends derive different addresses.
func isOnCurve(b [32]byte) bool {
	// y is little-endian with the top bit reserved for the x sign.
	var yBytes [32]byte
	for i := 0; i < 32; i++ {
		yBytes[i] = b[31-i]
	}
	yBytes[0] &= 0x7f

	y := new(big.Int).SetBytes(yBytes[:])
	if y.Cmp(fieldPrime) >= 0 {
		return false
	}

	// x^2 = (y^2 - 1) / (d*y^2 + 1) mod p
	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, fieldPrime)

	num := new(big.Int).Sub(y2, bigOne)
	num.Mod(num, fieldPrime)

	den := new(big.Int).Mul(curveD, y2)
	den.Add(den, bigOne)
	den.Mod(den, fieldPrime)

	denInv := new(big.Int).ModInverse(den, fieldPrime)
	if denInv == nil {
		return false
	}

	x2 := new(big.Int).Mul(num, denInv)
	x2.Mod(x2, fieldPrime)

	if x2.Sign() == 0 {
		return true
	}

	// Euler's criterion: x^2 is a square iff x2^((p-1)/2) == 1 mod p.
	exp := new(big.Int).Rsh(new(big.Int).Sub(fieldPrime, bigOne), 1)
	legendre := new(big.Int).Exp(x2, exp, fieldPrime)
	return legendre.Cmp(bigOne) == 0
}
