// Copyright 2025 Certen Protocol
//
// Package starkfield implements modular arithmetic over the 252-bit STARK
// field used by the Pedersen hash and the ECDSA-variant signer.

package starkfield

import (
	"fmt"
	"math/big"
)

// Prime is FIELD_PRIME = 2^251 + 17*2^192 + 1, the STARK-friendly field
// modulus shared by the Pedersen hash and the signature scheme.
var Prime = mustParseHex("0x800000000000011000000000000000000000000000000000000000000000001")

// Alpha and Beta are the short-Weierstrass curve coefficients for
// y^2 = x^3 + Alpha*x + Beta (mod Prime).
var (
	Alpha = big.NewInt(1)
	Beta  = mustParseHex("0x06f21413efbe40de150e596d72f7a8c5609ad26c15c915c1f4cdfcb99cee9e89")
)

// Order is EC_ORDER, the order of the STARK curve's generator subgroup.
// Distinct from Prime: field arithmetic is mod Prime, scalar/nonce
// arithmetic in the signer is mod Order.
var Order = mustParseHex("0x0800000000000010ffffffffffffffffb781126dcae7b2321e66a241adc64d2f")

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		panic(fmt.Sprintf("starkfield: invalid constant %q", s))
	}
	return n
}

// Element is a field element, always kept reduced into [0, Prime).
type Element struct {
	v big.Int
}

// Zero returns the additive identity.
func Zero() Element { return Element{} }

// FromBigInt reduces n modulo Prime.
func FromBigInt(n *big.Int) Element {
	var e Element
	e.v.Mod(n, Prime)
	return e
}

// FromUint64 builds an Element from a uint64.
func FromUint64(n uint64) Element {
	return FromBigInt(new(big.Int).SetUint64(n))
}

// FromBytes decodes a big-endian byte slice into a field element. Returns an
// error if the value is not in [0, Prime).
func FromBytes(b []byte) (Element, error) {
	n := new(big.Int).SetBytes(b)
	if n.Cmp(Prime) >= 0 {
		return Element{}, fmt.Errorf("starkfield: value out of range [0, FIELD_PRIME)")
	}
	return Element{v: *n}, nil
}

// Bytes encodes the element as a 32-byte big-endian digest. The top four
// bits are always zero since Prime < 2^252.
func (e Element) Bytes() [32]byte {
	var out [32]byte
	e.v.FillBytes(out[:])
	return out
}

// BigInt returns a copy of the element's value as a *big.Int.
func (e Element) BigInt() *big.Int {
	return new(big.Int).Set(&e.v)
}

// IsZero reports whether the element is the additive identity.
func (e Element) IsZero() bool {
	return e.v.Sign() == 0
}

// Bit returns the i-th bit (0 = LSB) of the element's canonical representative.
func (e Element) Bit(i uint) uint {
	return e.v.Bit(int(i))
}

// Equal reports whether two elements are the same residue.
func (e Element) Equal(o Element) bool {
	return e.v.Cmp(&o.v) == 0
}

// Cmp compares two elements as unsigned integers.
func (e Element) Cmp(o Element) int {
	return e.v.Cmp(&o.v)
}

// Add returns e + o mod Prime.
func (e Element) Add(o Element) Element {
	var r big.Int
	r.Add(&e.v, &o.v)
	r.Mod(&r, Prime)
	return Element{v: r}
}

// Sub returns e - o mod Prime.
func (e Element) Sub(o Element) Element {
	var r big.Int
	r.Sub(&e.v, &o.v)
	r.Mod(&r, Prime)
	return Element{v: r}
}

// Mul returns e * o mod Prime.
func (e Element) Mul(o Element) Element {
	var r big.Int
	r.Mul(&e.v, &o.v)
	r.Mod(&r, Prime)
	return Element{v: r}
}

// Neg returns -e mod Prime.
func (e Element) Neg() Element {
	var r big.Int
	r.Neg(&e.v)
	r.Mod(&r, Prime)
	return Element{v: r}
}

// Inverse returns the modular multiplicative inverse of e via the extended
// Euclidean algorithm (big.Int.ModInverse). Panics if e is zero; callers in
// this module never invoke it on a zero element because the curve and hash
// routines reject degenerate inputs first.
func (e Element) Inverse() Element {
	var r big.Int
	if r.ModInverse(&e.v, Prime) == nil {
		panic("starkfield: inverse of zero")
	}
	return Element{v: r}
}

// DivMod returns a / b mod Order. Unlike field Inverse, this operates mod
// Order (the curve's scalar field) because it is only ever used to combine
// the ECDSA-variant nonce with the scalar modulus, per spec.
func DivMod(a, b, order *big.Int) *big.Int {
	bInv := new(big.Int).ModInverse(b, order)
	if bInv == nil {
		panic("starkfield: DivMod with non-invertible divisor")
	}
	r := new(big.Int).Mul(a, bInv)
	return r.Mod(r, order)
}

// IsQuadraticResidue reports whether n is a quadratic residue mod Prime
// using Euler's criterion: n^((p-1)/2) == 1.
func IsQuadraticResidue(n *big.Int) bool {
	if n.Sign() == 0 {
		return true
	}
	exp := new(big.Int).Sub(Prime, big.NewInt(1))
	exp.Rsh(exp, 1)
	r := new(big.Int).Exp(n, exp, Prime)
	return r.Cmp(big.NewInt(1)) == 0
}

// Sqrt computes a square root of n modulo Prime via Tonelli-Shanks. The
// second return value is false if n is not a quadratic residue.
func Sqrt(n *big.Int) (*big.Int, bool) {
	n = new(big.Int).Mod(n, Prime)
	if n.Sign() == 0 {
		return big.NewInt(0), true
	}
	if !IsQuadraticResidue(n) {
		return nil, false
	}

	// p ≡ 1 (mod 4) for the STARK prime, so factor p-1 = q * 2^s with q odd.
	q := new(big.Int).Sub(Prime, big.NewInt(1))
	s := 0
	for q.Bit(0) == 0 {
		q.Rsh(q, 1)
		s++
	}

	// Find a quadratic non-residue z.
	z := big.NewInt(2)
	for IsQuadraticResidue(z) {
		z.Add(z, big.NewInt(1))
	}

	m := s
	c := new(big.Int).Exp(z, q, Prime)
	t := new(big.Int).Exp(n, q, Prime)
	qPlus1Over2 := new(big.Int).Add(q, big.NewInt(1))
	qPlus1Over2.Rsh(qPlus1Over2, 1)
	r := new(big.Int).Exp(n, qPlus1Over2, Prime)

	one := big.NewInt(1)
	for t.Cmp(one) != 0 {
		// Find the least i, 0 < i < m, such that t^(2^i) == 1.
		i := 0
		tt := new(big.Int).Set(t)
		for tt.Cmp(one) != 0 {
			tt.Mul(tt, tt)
			tt.Mod(tt, Prime)
			i++
			if i == m {
				return nil, false
			}
		}

		b := new(big.Int).Exp(c, new(big.Int).Lsh(one, uint(m-i-1)), Prime)
		m = i
		c = new(big.Int).Mul(b, b)
		c.Mod(c, Prime)
		t.Mul(t, c)
		t.Mod(t, Prime)
		r.Mul(r, b)
		r.Mod(r, Prime)
	}
	return r, true
}
