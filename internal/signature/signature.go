// Copyright 2025 Certen Protocol
//
// Package signature implements the StarkEx ECDSA-variant signer described
// in spec §4.3: nonstandard reductions, a second signature component that
// is k/(msg_hash+r*priv) rather than its inverse, and an AIR-mimicking
// scalar multiplier shared by sign and verify.

package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/starkware-committee/da-committee/internal/starkcurve"
	"github.com/starkware-committee/da-committee/internal/starkfield"
)

// N is 2^251, the bound every signature component and the message hash must
// fall under (spec §4.3). Distinct from starkfield.Prime and
// starkfield.Order.
var N = new(big.Int).Lsh(big.NewInt(1), 251)

// ErrMessageOutOfRange is returned when the message hash is not in [0, N).
var ErrMessageOutOfRange = errors.New("signature: message hash out of range")

// NonceMode selects how Sign derives its per-signature nonce k.
type NonceMode int

const (
	// DeterministicNonce derives k via an RFC-6979-like construction
	// seeded by (priv, msg_hash, extra_entropy), so recomputing a
	// signature for the same inputs always yields the same signature —
	// required whenever the caller might re-derive a previously signed
	// batch (spec §5).
	DeterministicNonce NonceMode = iota
	// RandomNonce draws k from crypto/rand. Only safe when the caller
	// durably records the signature before it could ever be recomputed
	// (spec §5 "Determinism of signing").
	RandomNonce
)

// Signature is a StarkEx-variant ECDSA signature (r, s). Per spec, s is NOT
// the modular inverse of the classical ECDSA s — it is k / (msg_hash + r*priv).
type Signature struct {
	R *big.Int
	S *big.Int
}

// PrivateKeyToPublicKey derives the public key point priv*G.
func PrivateKeyToPublicKey(priv *big.Int) (starkcurve.Point, error) {
	if priv.Sign() <= 0 || priv.Cmp(starkfield.Order) >= 0 {
		return starkcurve.Point{}, fmt.Errorf("signature: private key out of range (0, EC_ORDER)")
	}
	return scalarMul(priv, starkcurve.Generator)
}

// scalarMul is plain double-and-add scalar multiplication, with no shift
// point and no fixed iteration count. Only public-key derivation uses it;
// Sign and Verify both go through starkcurve.MimicECMult.
func scalarMul(k *big.Int, p starkcurve.Point) (starkcurve.Point, error) {
	if k.Sign() == 0 {
		return starkcurve.Point{}, fmt.Errorf("signature: cannot multiply by zero scalar")
	}
	result := starkcurve.Point{}
	haveResult := false
	addend := p
	kv := new(big.Int).Set(k)
	for kv.Sign() != 0 {
		if kv.Bit(0) == 1 {
			if !haveResult {
				result = addend
				haveResult = true
			} else {
				result = starkcurve.Add(result, addend)
			}
		}
		addend = starkcurve.Double(addend)
		kv.Rsh(kv, 1)
	}
	return result, nil
}

// Sign produces a StarkEx-variant signature over msgHash with the given
// private key. extraEntropy may be nil; it is folded into the deterministic
// nonce derivation when mode is DeterministicNonce.
func Sign(msgHash, priv *big.Int, mode NonceMode, extraEntropy []byte) (Signature, error) {
	if msgHash.Sign() < 0 || msgHash.Cmp(N) >= 0 {
		return Signature{}, ErrMessageOutOfRange
	}
	if priv.Sign() <= 0 || priv.Cmp(starkfield.Order) >= 0 {
		return Signature{}, fmt.Errorf("signature: private key out of range (0, EC_ORDER)")
	}

	attempt := uint32(0)
	for {
		k, err := candidateNonce(mode, priv, msgHash, extraEntropy, attempt)
		if err != nil {
			return Signature{}, err
		}
		attempt++

		// R = k*G through the same AIR-mimicking multiplier Verify uses:
		// MimicECMult yields k*G + Shift, and Shift is then subtracted.
		shifted, err := starkcurve.MimicECMult(k, starkcurve.Generator, starkcurve.ShiftPoint)
		if err != nil || shifted.X.Equal(starkcurve.ShiftPoint.X) {
			continue
		}
		rPoint := starkcurve.Add(shifted, starkcurve.ShiftPoint.NegY())
		r := rPoint.X.BigInt()
		if r.Sign() == 0 || r.Cmp(N) >= 0 {
			continue
		}

		// msg_hash + r*priv (mod EC_ORDER)
		rp := new(big.Int).Mul(r, priv)
		sum := new(big.Int).Add(msgHash, rp)
		sum.Mod(sum, starkfield.Order)
		if sum.Sign() == 0 {
			continue
		}

		s := starkfield.DivMod(k, sum, starkfield.Order)
		if s.Sign() == 0 || s.Cmp(N) >= 0 {
			continue
		}
		return Signature{R: r, S: s}, nil
	}
}

// candidateNonce derives the nonce for the given retry attempt.
func candidateNonce(mode NonceMode, priv, msgHash *big.Int, extraEntropy []byte, attempt uint32) (*big.Int, error) {
	switch mode {
	case DeterministicNonce:
		return deterministicNonce(priv, msgHash, extraEntropy, attempt)
	case RandomNonce:
		return randomNonce()
	default:
		return nil, fmt.Errorf("signature: unknown nonce mode %d", mode)
	}
}

// deterministicNonce implements an RFC-6979-like construction: HMAC-SHA256
// keyed by the private key, seeded by the message hash and optional extra
// entropy, with the attempt counter folded in so resampling on a rejected
// candidate still produces a fresh, deterministic value.
func deterministicNonce(priv, msgHash *big.Int, extraEntropy []byte, attempt uint32) (*big.Int, error) {
	key := make([]byte, 32)
	priv.FillBytes(key)

	mac := hmac.New(sha256.New, key)
	msgBytes := make([]byte, 32)
	msgHash.FillBytes(msgBytes)
	mac.Write(msgBytes)
	if len(extraEntropy) > 0 {
		mac.Write(extraEntropy)
	}
	mac.Write([]byte{byte(attempt >> 24), byte(attempt >> 16), byte(attempt >> 8), byte(attempt)})
	seed := mac.Sum(nil)

	// Expand to cover the full EC_ORDER range uniformly enough for this
	// purpose (reduction bias is negligible at 2^-128).
	mac2 := hmac.New(sha256.New, key)
	mac2.Write(seed)
	seed = append(seed, mac2.Sum(nil)...)

	k := new(big.Int).SetBytes(seed)
	k.Mod(k, new(big.Int).Sub(starkfield.Order, big.NewInt(1)))
	k.Add(k, big.NewInt(1))
	return k, nil
}

func randomNonce() (*big.Int, error) {
	max := new(big.Int).Sub(starkfield.Order, big.NewInt(1))
	k, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("signature: generate random nonce: %w", err)
	}
	return k.Add(k, big.NewInt(1)), nil
}

// Verify checks sig against msgHash for the given public key. pub may be an
// x-only candidate (VerifyXOnly) or a full point; this function implements
// the full-point path of spec §4.3.
func Verify(msgHash *big.Int, sig Signature, pub starkcurve.Point) bool {
	if msgHash.Sign() < 0 || msgHash.Cmp(N) >= 0 {
		return false
	}
	if sig.R.Sign() <= 0 || sig.R.Cmp(N) >= 0 {
		return false
	}
	if sig.S.Sign() <= 0 || sig.S.Cmp(N) >= 0 {
		return false
	}
	if !starkcurve.OnCurve(pub) {
		return false
	}

	zG, err := starkcurve.MimicECMult(msgHash, starkcurve.Generator, starkcurve.ShiftPoint.NegY())
	if err != nil {
		return false
	}
	rQ, err := starkcurve.MimicECMult(sig.R, pub, starkcurve.ShiftPoint)
	if err != nil {
		return false
	}

	sum := starkcurve.Add(zG, rQ)
	wB, err := starkcurve.MimicECMult(sig.S, sum, starkcurve.ShiftPoint)
	if err != nil {
		return false
	}

	x := starkcurve.Add(wB, starkcurve.ShiftPoint.NegY()).X
	return x.BigInt().Cmp(sig.R) == 0
}

// VerifyXOnly verifies against a public key given only as an x-coordinate,
// trying both y candidates as spec §4.3 requires.
func VerifyXOnly(msgHash *big.Int, sig Signature, pubX *big.Int) bool {
	xElem := starkfield.FromBigInt(pubX)
	y, err := starkcurve.GetYCoordinate(xElem)
	if err != nil {
		return false
	}
	if Verify(msgHash, sig, starkcurve.Point{X: xElem, Y: y}) {
		return true
	}
	negY := starkfield.FromBigInt(new(big.Int).Sub(starkfield.Prime, y.BigInt()))
	return Verify(msgHash, sig, starkcurve.Point{X: xElem, Y: negY})
}
