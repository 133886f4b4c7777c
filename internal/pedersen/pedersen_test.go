// Copyright 2025 Certen Protocol

package pedersen

import (
	"testing"

	"github.com/starkware-committee/da-committee/internal/starkcurve"
	"github.com/starkware-committee/da-committee/internal/starkfield"
)

func TestHashDeterministic(t *testing.T) {
	a := DigestFromElement(starkfield.FromUint64(1))
	b := DigestFromElement(starkfield.FromUint64(2))

	h1, err := Hash(a, b)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := Hash(a, b)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("Hash is not deterministic")
	}
}

func TestHashSensitiveToOrder(t *testing.T) {
	a := DigestFromElement(starkfield.FromUint64(1))
	b := DigestFromElement(starkfield.FromUint64(2))

	h1, err := Hash(a, b)
	if err != nil {
		t.Fatalf("Hash(a,b): %v", err)
	}
	h2, err := Hash(b, a)
	if err != nil {
		t.Fatalf("Hash(b,a): %v", err)
	}
	if h1 == h2 {
		t.Fatalf("Hash(a,b) should differ from Hash(b,a)")
	}
}

func TestHashSensitiveToInput(t *testing.T) {
	a := DigestFromElement(starkfield.FromUint64(1))
	b := DigestFromElement(starkfield.FromUint64(2))
	c := DigestFromElement(starkfield.FromUint64(3))

	h1, err := Hash(a, b)
	if err != nil {
		t.Fatalf("Hash(a,b): %v", err)
	}
	h2, err := Hash(a, c)
	if err != nil {
		t.Fatalf("Hash(a,c): %v", err)
	}
	if h1 == h2 {
		t.Fatalf("changing one input should change the digest")
	}
}

// TestHashOfZeroMatchesPublishedVector is the one ground-truth StarkEx
// Pedersen test vector this package can check independently of the
// self-derived constant-points table (see DESIGN.md): with both inputs
// zero, no bit of either element is ever set, so HashElements never adds a
// table point to the accumulator and the result is exactly SHIFT_POINT.X —
// the same property original_source/crypto/.../fast_pedersen_hash_test.py's
// test_zero_element asserts against HASH_SHIFT_POINT.x. Since SHIFT_POINT
// is one of the two fixed, grounded anchor constants (not self-derived),
// this hash is bit-for-bit the real StarkEx pedersen_hash(0, 0).
func TestHashOfZeroMatchesPublishedVector(t *testing.T) {
	zero := DigestFromElement(starkfield.Zero())
	h, err := Hash(zero, zero)
	if err != nil {
		t.Fatalf("Hash(0,0): %v", err)
	}
	want := DigestFromElement(starkcurve.ShiftPoint.X)
	if h != want {
		t.Fatalf("Hash(0,0) = %x, want SHIFT_POINT.x = %x", h, want)
	}
}

func TestDigestElementRoundTrip(t *testing.T) {
	e := starkfield.FromUint64(424242)
	d := DigestFromElement(e)
	back, err := d.Element()
	if err != nil {
		t.Fatalf("Element: %v", err)
	}
	if !back.Equal(e) {
		t.Fatalf("digest round trip mismatch")
	}
}
