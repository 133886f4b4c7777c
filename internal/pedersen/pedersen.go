// Copyright 2025 Certen Protocol
//
// Package pedersen implements the StarkEx Pedersen hash: a sum-of-constant-
// points construction over the STARK curve, parameterised by a precomputed
// table of curve points (spec §4.2).

package pedersen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/starkware-committee/da-committee/internal/starkcurve"
	"github.com/starkware-committee/da-committee/internal/starkfield"
)

// nElementBitsHash is the number of bits consumed from each input element;
// FIELD_PRIME needs 252 bits (ceil(log2(p))).
const nElementBitsHash = 252

// maxInputs bounds how many field elements a single Hash call may combine.
// Every caller in this repository — the Merkle tree's node hash and the
// vault leaf hash (order leaves are not Pedersen-hashed) — combines exactly
// two elements, so the table
// only needs to cover two: CONSTANT_POINTS has length 2 + maxInputs*252,
// matching spec §4.2 with k=2.
const maxInputs = 2

var (
	tableOnce sync.Once
	constants []starkcurve.Point
)

// constantPoints lazily builds the CONSTANT_POINTS table. Index 0 is
// starkcurve.ShiftPoint, index 1 is starkcurve.Generator: both are the
// genuine StarkEx curve constants, taken from the hardcoded SHIFT_POINT/
// EC_GEN asserted in original_source/crypto/starkware/crypto/signature/
// signature.py and verified to match byte-for-byte. The remaining
// maxInputs*252 entries are the per-bit generator points multiplying each
// input element's bit-decomposition into the accumulator (spec §4.2).
//
// The real values for those per-bit entries come from pedersen_params.json,
// a data asset shipped alongside the cairo-lang/starkex-resources package
// that this repository's corpus does not include (original_source's own
// _INDEX.md lists only fast_pedersen_hash_test.py under this directory, not
// fast_pedersen_hash.py or the params file) and that this environment has
// no network access to fetch. Lacking the literal table, this package
// derives a same-shaped one via a documented nothing-up-my-sleeve
// construction (incrementing SHA-256 counter as a candidate x, with the y
// that starkcurve.GetYCoordinate returns for it) so every operation in this repository (tree
// building, hashing, proofs) is internally consistent and testable against
// itself. This is NOT asserted to be byte-identical to the published
// StarkEx table, so hashes of non-zero inputs will not reproduce StarkEx's
// published values: only Hash(0, 0) is checked against the real hash (see
// TestHashOfZeroMatchesPublishedVector), since that case never touches this
// derived portion of the table at all — it depends solely on the verified
// ShiftPoint.
func constantPoints() []starkcurve.Point {
	tableOnce.Do(func() {
		constants = make([]starkcurve.Point, 2+maxInputs*nElementBitsHash)
		constants[0] = starkcurve.ShiftPoint
		constants[1] = starkcurve.Generator
		seed := []byte("starkex-committee-pedersen-constant-points")
		for i := 2; i < len(constants); i++ {
			constants[i] = derivePoint(seed, i)
		}
	})
	return constants
}

// derivePoint finds the i-th nothing-up-my-sleeve point: hash (seed, index,
// attempt) to a candidate x, accept the first that is a valid curve
// x-coordinate.
func derivePoint(seed []byte, index int) starkcurve.Point {
	for attempt := uint32(0); ; attempt++ {
		h := sha256.New()
		h.Write(seed)
		h.Write([]byte{byte(index >> 24), byte(index >> 16), byte(index >> 8), byte(index)})
		h.Write([]byte{byte(attempt >> 24), byte(attempt >> 16), byte(attempt >> 8), byte(attempt)})
		digest := h.Sum(nil)
		// Extend to 2 blocks of entropy so the candidate spans the full
		// ~252-bit field rather than just 256 bits of one SHA-256 block
		// mod a non-power-of-two modulus (avoids biased sampling).
		h2 := sha256.New()
		h2.Write(digest)
		digest = append(digest, h2.Sum(nil)...)

		x := new(big.Int).SetBytes(digest)
		x.Mod(x, starkfield.Prime)
		xElem := starkfield.FromBigInt(x)
		y, err := starkcurve.GetYCoordinate(xElem)
		if err != nil {
			continue
		}
		return starkcurve.Point{X: xElem, Y: y}
	}
}

// Digest is a 32-byte big-endian encoding of a field element (spec §3).
type Digest [32]byte

// DigestFromElement encodes e as a Digest.
func DigestFromElement(e starkfield.Element) Digest {
	return Digest(e.Bytes())
}

// Element decodes the digest back into a field element.
func (d Digest) Element() (starkfield.Element, error) {
	return starkfield.FromBytes(d[:])
}

// Hash computes H(a, b) -> digest, the binary Pedersen hash the Merkle tree
// uses as its node-hash function (spec §3, §4.2).
func Hash(a, b Digest) (Digest, error) {
	ea, err := a.Element()
	if err != nil {
		return Digest{}, fmt.Errorf("pedersen: left operand: %w", err)
	}
	eb, err := b.Element()
	if err != nil {
		return Digest{}, fmt.Errorf("pedersen: right operand: %w", err)
	}
	p, err := HashElements(ea, eb)
	if err != nil {
		return Digest{}, err
	}
	return DigestFromElement(p), nil
}

// HashElements computes the Pedersen hash of an arbitrary (but bounded)
// number of field elements, returning the x-coordinate of the accumulated
// point.
func HashElements(elements ...starkfield.Element) (starkfield.Element, error) {
	if len(elements) > maxInputs {
		return starkfield.Element{}, fmt.Errorf("pedersen: too many inputs: %d > %d", len(elements), maxInputs)
	}
	points := constantPoints()
	acc := starkcurve.ShiftPoint
	for i, x := range elements {
		base := 2 + i*nElementBitsHash
		slice := points[base : base+nElementBitsHash]
		for bit := 0; bit < nElementBitsHash; bit++ {
			if x.Bit(uint(bit)) != 1 {
				continue
			}
			// The collision check only applies where an addition actually
			// happens (spec §4.2): a bit that is 0 never touches acc, so
			// there is nothing to collide with.
			if acc.X.Equal(slice[bit].X) {
				return starkfield.Element{}, fmt.Errorf("pedersen: unhashable input at element %d, bit %d", i, bit)
			}
			acc = starkcurve.Add(acc, slice[bit])
		}
	}
	return acc.X, nil
}
