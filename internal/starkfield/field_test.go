// Copyright 2025 Certen Protocol

package starkfield

import (
	"math/big"
	"testing"
)

func TestElementRoundTrip(t *testing.T) {
	n := big.NewInt(123456789)
	e := FromBigInt(n)
	b := e.Bytes()
	back, err := FromBytes(b[:])
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !back.Equal(e) {
		t.Fatalf("round trip mismatch: got %v want %v", back.BigInt(), e.BigInt())
	}
}

func TestFromBytesRejectsOutOfRange(t *testing.T) {
	var b [32]byte
	Prime.FillBytes(b[:])
	if _, err := FromBytes(b[:]); err == nil {
		t.Fatalf("expected error decoding FIELD_PRIME itself")
	}
}

func TestAddSubInverse(t *testing.T) {
	a := FromBigInt(big.NewInt(17))
	b := FromBigInt(big.NewInt(42))
	sum := a.Add(b)
	if !sum.Sub(b).Equal(a) {
		t.Fatalf("(a+b)-b != a")
	}
}

func TestMulInverse(t *testing.T) {
	a := FromBigInt(big.NewInt(12345))
	inv := a.Inverse()
	one := a.Mul(inv)
	if !one.Equal(FromBigInt(big.NewInt(1))) {
		t.Fatalf("a * a^-1 != 1, got %v", one.BigInt())
	}
}

func TestSqrtRoundTrip(t *testing.T) {
	x := big.NewInt(9)
	square := new(big.Int).Mul(x, x)
	square.Mod(square, Prime)
	root, ok := Sqrt(square)
	if !ok {
		t.Fatalf("expected %v to be a quadratic residue", square)
	}
	rootSquared := new(big.Int).Mul(root, root)
	rootSquared.Mod(rootSquared, Prime)
	if rootSquared.Cmp(square) != 0 {
		t.Fatalf("sqrt(%v)^2 = %v, want %v", square, rootSquared, square)
	}
}

func TestIsQuadraticResidueAgreesWithSqrt(t *testing.T) {
	for _, n := range []int64{0, 1, 4, 9, 16, 25} {
		val := big.NewInt(n)
		if !IsQuadraticResidue(val) {
			t.Fatalf("%d should be a quadratic residue", n)
		}
		if _, ok := Sqrt(val); !ok {
			t.Fatalf("Sqrt(%d) should succeed given IsQuadraticResidue reported true", n)
		}
	}
}

func TestDivModRoundTrip(t *testing.T) {
	order := Order
	a := big.NewInt(100)
	b := big.NewInt(7)
	q := DivMod(a, b, order)
	back := new(big.Int).Mul(q, b)
	back.Mod(back, order)
	if back.Cmp(a) != 0 {
		t.Fatalf("DivMod round trip failed: got %v want %v", back, a)
	}
}
