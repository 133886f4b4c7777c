// Copyright 2025 Certen Protocol
//
// Package claim builds the availability claim a committee member signs: a
// Keccak256 digest over the batch's roots, heights and sequence number,
// laid out the way the on-chain data availability contract expects
// (spec §4.1/§4.3, original_source availability_claim.py).

package claim

import (
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/starkware-committee/da-committee/internal/signature"
)

// Info is the tuple the committee attests to for one batch: the new vault
// and order tree roots, their heights, and the StarkEx sequence number.
type Info struct {
	VaultsRoot     [32]byte
	VaultsHeight   uint64
	OrdersRoot     [32]byte
	OrdersHeight   uint64
	SequenceNumber uint64
}

// Hash reproduces Web3.solidityKeccak(['bytes32','uint256','bytes32','uint256','uint256'], ...):
// concatenate each value in its canonical encoding (32-byte big-endian for
// both bytes32 and uint256) and Keccak256 the result.
func (i Info) Hash() [32]byte {
	buf := make([]byte, 0, 32*5)
	buf = append(buf, i.VaultsRoot[:]...)
	buf = appendUint256(buf, i.VaultsHeight)
	buf = append(buf, i.OrdersRoot[:]...)
	buf = appendUint256(buf, i.OrdersHeight)
	buf = appendUint256(buf, i.SequenceNumber)
	return crypto.Keccak256Hash(buf)
}

func appendUint256(buf []byte, v uint64) []byte {
	var word [32]byte
	new(big.Int).SetUint64(v).FillBytes(word[:])
	return append(buf, word[:]...)
}

// SigningHash reduces the claim hash into the range the signer accepts:
// StarkEx hashes are full 256-bit Keccak digests but the signature scheme
// only accepts a message in [0, 2^251) (spec §4.3), so the digest is
// reduced mod signature.N (2^251) before it is passed to the signer.
func (i Info) SigningHash() *big.Int {
	h := i.Hash()
	n := new(big.Int).SetBytes(h[:])
	return n.Mod(n, signature.N)
}
