// Copyright 2025 Certen Protocol
//
// Package starkcurve implements point arithmetic on the STARK-friendly
// short-Weierstrass curve y^2 = x^3 + Alpha*x + Beta (mod FIELD_PRIME), and
// the AIR-mimicking scalar multiplication routine used by the ECDSA-variant
// signer (the Pedersen hash calls Add directly).

package starkcurve

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/starkware-committee/da-committee/internal/starkfield"
)

// ErrCollision signals that a scalar-multiplication step hit the one
// unrepresentable edge case: the running partial sum's x-coordinate
// collided with the point being added. Per spec this maps to "invalid
// signature" in the signer, not a propagated error, but the Pedersen hash
// treats it as a hard error since a colliding input is a caller bug.
var ErrCollision = errors.New("starkcurve: partial sum collided with addend")

// Point is an affine curve point. The zero value is NOT a valid point: the
// curve has no affine representation of infinity in this design, and
// infinity never arises because every scalar multiplication here uses the
// shift-point trick described in spec §4.1 / Design Notes.
type Point struct {
	X, Y starkfield.Element
}

// Generator is EC_GEN, the curve's distinguished base point.
var Generator = Point{
	X: mustElement("1ef15c18599971b7beced415a40f0c7deacfd9b0d1819e03d723d8bc943cfca"),
	Y: mustElement("005668060aa49730b7be4801df46ec62de53ecd11abe43a32873000c36e8dc1f"),
}

// ShiftPoint is SHIFT_POINT, added at the start of hash and signature
// scalar multiplications so that "partial sum equals target" is
// unreachable with overwhelming probability.
var ShiftPoint = Point{
	X: mustElement("49ee3eba8c1600700ee1b87eb599f16716b0b1022947733551fde4050ca6804"),
	Y: mustElement("3ca0cfe4b3bc6ddf346d49d06ea0ed34e621062c0e056c1d0405d266e10268a"),
}

func mustElement(hexStr string) starkfield.Element {
	n, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		panic(fmt.Sprintf("starkcurve: invalid hex constant %q", hexStr))
	}
	return starkfield.FromBigInt(n)
}

// NegY returns the point with its y-coordinate negated — used to build
// -ShiftPoint for the verify path's zG computation.
func (p Point) NegY() Point {
	return Point{X: p.X, Y: p.Y.Neg()}
}

// OnCurve reports whether p satisfies y^2 == x^3 + Alpha*x + Beta (mod Prime).
func OnCurve(p Point) bool {
	alpha := starkfield.FromBigInt(starkfield.Alpha)
	beta := starkfield.FromBigInt(starkfield.Beta)
	lhs := p.Y.Mul(p.Y)
	rhs := p.X.Mul(p.X).Mul(p.X).Add(alpha.Mul(p.X)).Add(beta)
	return lhs.Equal(rhs)
}

// GetYCoordinate returns a y such that (x, y) lies on the curve, choosing
// the root Tonelli-Shanks returns; callers that need to try "the other
// candidate" as well (as in ECDSA-variant verify with an x-only public
// key) negate the result themselves.
func GetYCoordinate(x starkfield.Element) (starkfield.Element, error) {
	alpha := starkfield.FromBigInt(starkfield.Alpha)
	beta := starkfield.FromBigInt(starkfield.Beta)
	ySquared := x.Mul(x).Mul(x).Add(alpha.Mul(x)).Add(beta)
	root, ok := starkfield.Sqrt(ySquared.BigInt())
	if !ok {
		return starkfield.Element{}, fmt.Errorf("starkcurve: %x does not represent a valid point", x.Bytes())
	}
	return starkfield.FromBigInt(root), nil
}

// Add returns p1 + p2, handling the degenerate x1==x2 case per spec: if the
// points are equal it doubles; if they are distinct with equal x (i.e. p2 is
// the negation of p1) there is no affine result. The spec's shift-point
// construction makes that case unreachable on any of this package's
// protocol call paths, so Add panics rather than returning a sentinel zero
// point that would silently corrupt downstream hashing.
func Add(p1, p2 Point) Point {
	if p1.X.Equal(p2.X) {
		if p1.Y.Equal(p2.Y) {
			return Double(p1)
		}
		panic("starkcurve: Add called on a point and its negation (point at infinity)")
	}

	// slope = (y2 - y1) / (x2 - x1)
	num := p2.Y.Sub(p1.Y)
	den := p2.X.Sub(p1.X)
	m := num.Mul(den.Inverse())

	x3 := m.Mul(m).Sub(p1.X).Sub(p2.X)
	y3 := m.Mul(p1.X.Sub(x3)).Sub(p1.Y)
	return Point{X: x3, Y: y3}
}

// Double returns 2*p.
func Double(p Point) Point {
	alpha := starkfield.FromBigInt(starkfield.Alpha)
	three := starkfield.FromUint64(3)
	two := starkfield.FromUint64(2)

	num := three.Mul(p.X).Mul(p.X).Add(alpha)
	den := two.Mul(p.Y)
	m := num.Mul(den.Inverse())

	x3 := m.Mul(m).Sub(p.X).Sub(p.X)
	y3 := m.Mul(p.X.Sub(x3)).Sub(p.Y)
	return Point{X: x3, Y: y3}
}

// MimicECMult computes m*point + shift using exactly the steps the STARK
// AIR uses, per spec §4.1: maintain partial_sum = shift, iterate exactly 251
// times; at each step assert partial_sum.X != point.X (a collision means
// verification must fail, never panic out to the caller), conditionally add
// point into partial_sum on the low bit of m, double point, shift m right.
// At the end m must be exactly zero.
//
// Both the sign and verify paths in package signature call this one
// routine so they agree on every corner case, per spec.
func MimicECMult(m *big.Int, point, shift Point) (Point, error) {
	partialSum := shift
	mv := new(big.Int).Set(m)
	for i := 0; i < 251; i++ {
		if partialSum.X.Equal(point.X) {
			return Point{}, ErrCollision
		}
		if mv.Bit(0) == 1 {
			partialSum = Add(partialSum, point)
		}
		point = Double(point)
		mv.Rsh(mv, 1)
	}
	if mv.Sign() != 0 {
		return Point{}, fmt.Errorf("starkcurve: scalar did not reduce to zero after 251 steps")
	}
	return partialSum, nil
}
