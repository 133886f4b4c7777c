// Copyright 2025 Certen Protocol

package signature

import (
	"math/big"
	"testing"

	"github.com/starkware-committee/da-committee/internal/starkfield"
)

func testPrivateKey() *big.Int {
	return big.NewInt(0).SetUint64(0xdeadbeefcafef00d)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv := testPrivateKey()
	pub, err := PrivateKeyToPublicKey(priv)
	if err != nil {
		t.Fatalf("PrivateKeyToPublicKey: %v", err)
	}

	msgHash := big.NewInt(123456789)
	sig, err := Sign(msgHash, priv, DeterministicNonce, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !Verify(msgHash, sig, pub) {
		t.Fatalf("Verify rejected a valid signature")
	}
}

func TestSignIsDeterministic(t *testing.T) {
	priv := testPrivateKey()
	msgHash := big.NewInt(42)

	sig1, err := Sign(msgHash, priv, DeterministicNonce, nil)
	if err != nil {
		t.Fatalf("Sign (1): %v", err)
	}
	sig2, err := Sign(msgHash, priv, DeterministicNonce, nil)
	if err != nil {
		t.Fatalf("Sign (2): %v", err)
	}
	if sig1.R.Cmp(sig2.R) != 0 || sig1.S.Cmp(sig2.S) != 0 {
		t.Fatalf("deterministic signing produced different signatures for the same inputs")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv := testPrivateKey()
	pub, err := PrivateKeyToPublicKey(priv)
	if err != nil {
		t.Fatalf("PrivateKeyToPublicKey: %v", err)
	}

	msgHash := big.NewInt(555)
	sig, err := Sign(msgHash, priv, DeterministicNonce, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := new(big.Int).Add(msgHash, big.NewInt(1))
	if Verify(tampered, sig, pub) {
		t.Fatalf("Verify accepted a signature for a different message")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv := testPrivateKey()
	otherPriv := new(big.Int).Add(testPrivateKey(), big.NewInt(1))
	otherPub, err := PrivateKeyToPublicKey(otherPriv)
	if err != nil {
		t.Fatalf("PrivateKeyToPublicKey: %v", err)
	}

	msgHash := big.NewInt(777)
	sig, err := Sign(msgHash, priv, DeterministicNonce, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if Verify(msgHash, sig, otherPub) {
		t.Fatalf("Verify accepted a signature against the wrong public key")
	}
}

func TestVerifyXOnlyFindsEitherParity(t *testing.T) {
	priv := testPrivateKey()
	pub, err := PrivateKeyToPublicKey(priv)
	if err != nil {
		t.Fatalf("PrivateKeyToPublicKey: %v", err)
	}

	msgHash := big.NewInt(9001)
	sig, err := Sign(msgHash, priv, DeterministicNonce, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !VerifyXOnly(msgHash, sig, pub.X.BigInt()) {
		t.Fatalf("VerifyXOnly rejected a valid signature given only the x-coordinate")
	}
}

func TestSignRejectsOutOfRangeMessage(t *testing.T) {
	priv := testPrivateKey()
	tooLarge := new(big.Int).Set(starkfield.Prime)
	if _, err := Sign(tooLarge, priv, DeterministicNonce, nil); err == nil {
		t.Fatalf("expected Sign to reject a message hash >= N")
	}
}
