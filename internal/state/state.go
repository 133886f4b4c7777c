// Copyright 2025 Certen Protocol
//
// Package state implements the two leaf families of the committee's Merkle
// trees: vault state (owner, token, balance) and order state (fulfilled
// amount), per spec §3/§4.5, plus the partial-state reconciliation helpers
// recovered from original_source/stark_ex_objects/starkware/objects/state.py.

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/starkware-committee/da-committee/internal/pedersen"
	"github.com/starkware-committee/da-committee/internal/starkfield"
)

// MaxAmount bounds balances and fulfilled amounts: 2^63, matching the
// original's MAX_AMOUNT.
var MaxAmount = new(big.Int).Lsh(big.NewInt(1), 63)

var (
	// ErrOutOfRangeBalance mirrors StarkMsg.OUT_OF_RANGE_BALANCE.
	ErrOutOfRangeBalance = errors.New("state: balance out of range")
	// ErrInvalidVault mirrors StarkMsg.INVALID_VAULT.
	ErrInvalidVault = errors.New("state: vault does not match stark_key/token")
	// ErrOutOfRangeFulfilledAmount mirrors StarkMsg.INVALID_FULFILLED_AMOUNT.
	ErrOutOfRangeFulfilledAmount = errors.New("state: fulfilled amount out of range")
	// ErrOutOfRangeDiff mirrors StarkMsg.OUT_OF_RANGE_DIFF.
	ErrOutOfRangeDiff = errors.New("state: diff out of range")
	// ErrConflictingSettlement mirrors StarkMsg.CONFLICTING_SETTLEMENT_AMOUNTS.
	ErrConflictingSettlement = errors.New("state: fulfilled amount would exceed order capacity")
)

// VaultState is the leaf value for a vault: a triple of owner key, token,
// and balance.
type VaultState struct {
	StarkKey *big.Int
	Token    *big.Int
	Balance  *big.Int
}

// EmptyVault returns the canonical empty-vault leaf (stark_key=token=0,
// balance=0).
func EmptyVault() VaultState {
	return VaultState{StarkKey: big.NewInt(0), Token: big.NewInt(0), Balance: big.NewInt(0)}
}

// EmptyVaultLeaf returns the vault tree's empty-leaf digest, H(H(0,0),0)
// (spec §3): the leaf hash of the canonical empty vault. Untouched vault
// tree slots carry this digest, not the zero digest — only the order
// tree's leaf encoding collapses "empty" to all-zero bytes.
func EmptyVaultLeaf() ([32]byte, error) {
	h, err := (VaultFact{VaultState: EmptyVault()}).LeafHash()
	if err != nil {
		return [32]byte{}, fmt.Errorf("state: empty vault leaf: %w", err)
	}
	return h, nil
}

// NewVaultState validates and normalises a vault leaf: if balance is zero,
// stark_key and token are forced to zero (spec §3 convention); otherwise
// both must be non-zero.
func NewVaultState(starkKey, token, balance *big.Int) (VaultState, error) {
	if balance.Sign() < 0 || balance.Cmp(MaxAmount) >= 0 {
		return VaultState{}, ErrOutOfRangeBalance
	}
	if balance.Sign() == 0 {
		return VaultState{StarkKey: big.NewInt(0), Token: big.NewInt(0), Balance: big.NewInt(0)}, nil
	}
	if starkKey.Sign() == 0 {
		return VaultState{}, fmt.Errorf("%w: non-empty vault cannot have an empty stark key", ErrInvalidVault)
	}
	if token.Sign() == 0 {
		return VaultState{}, fmt.Errorf("%w: non-empty vault cannot have an empty token", ErrInvalidVault)
	}
	return VaultState{StarkKey: new(big.Int).Set(starkKey), Token: new(big.Int).Set(token), Balance: new(big.Int).Set(balance)}, nil
}

// Equal reports whether two vault states carry the same normalised value.
func (v VaultState) Equal(o VaultState) bool {
	return v.StarkKey.Cmp(o.StarkKey) == 0 && v.Token.Cmp(o.Token) == 0 && v.Balance.Cmp(o.Balance) == 0
}

// VaultUpdateData is a single vault delta, as used by the original
// reconciliation layer (original_source state.py's VaultUpdateData): a
// change in balance for a given owner/token, applied on top of a prior
// leaf.
type VaultUpdateData struct {
	VaultID  int64
	StarkKey *big.Int
	Token    *big.Int
	Diff     *big.Int
}

// Apply folds a VaultUpdateData onto the receiver, enforcing that a
// non-empty vault's owner/token cannot change underneath it.
func (v VaultState) Apply(change VaultUpdateData) (VaultState, error) {
	if v.Balance.Sign() > 0 {
		if v.StarkKey.Cmp(change.StarkKey) != 0 {
			return VaultState{}, fmt.Errorf("%w: stark_key mismatch", ErrInvalidVault)
		}
		if v.Token.Cmp(change.Token) != 0 {
			return VaultState{}, fmt.Errorf("%w: token mismatch", ErrInvalidVault)
		}
	}
	newBalance := new(big.Int).Add(v.Balance, change.Diff)
	return NewVaultState(change.StarkKey, change.Token, newBalance)
}

// VaultFact adapts VaultState to the merkle.Fact interface (defined in
// package merkle to avoid an import cycle; see merkle.Fact).
type VaultFact struct {
	VaultState
}

// Prefix is the content-addressed key prefix for vault leaves.
func (VaultFact) Prefix() string { return "vault_state" }

// Serialize produces the canonical text encoding used as the fact's
// storage payload (not the hash input — see LeafHash).
func (f VaultFact) Serialize() []byte {
	return []byte(fmt.Sprintf(`{"stark_key":"0x%s","token":"0x%s","balance":"%s"}`,
		f.StarkKey.Text(16), f.Token.Text(16), f.Balance.String()))
}

type vaultFactJSON struct {
	StarkKey string `json:"stark_key"`
	Token    string `json:"token"`
	Balance  string `json:"balance"`
}

// DecodeVaultState parses a VaultFact's Serialize() payload back into a
// VaultState — the inverse used by merkle.Tree.GetLeaves to resolve stored
// vault leaves.
func DecodeVaultState(raw []byte) (interface{}, error) {
	var j vaultFactJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("state: decode vault fact: %w", err)
	}
	starkKey, ok := new(big.Int).SetString(strings.TrimPrefix(j.StarkKey, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("state: decode vault fact: malformed stark_key %q", j.StarkKey)
	}
	token, ok := new(big.Int).SetString(strings.TrimPrefix(j.Token, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("state: decode vault fact: malformed token %q", j.Token)
	}
	balance, ok := new(big.Int).SetString(j.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("state: decode vault fact: malformed balance %q", j.Balance)
	}
	return VaultState{StarkKey: starkKey, Token: token, Balance: balance}, nil
}

// LeafHash computes H(H(stark_key, token), balance), the vault leaf digest
// defined in spec §3.
func (f VaultFact) LeafHash() ([32]byte, error) {
	keyDigest := pedersen.DigestFromElement(starkfield.FromBigInt(f.StarkKey))
	tokenDigest := pedersen.DigestFromElement(starkfield.FromBigInt(f.Token))
	inner, err := pedersen.Hash(keyDigest, tokenDigest)
	if err != nil {
		return [32]byte{}, fmt.Errorf("state: vault leaf hash: %w", err)
	}
	balanceDigest := pedersen.DigestFromElement(starkfield.FromBigInt(f.Balance))
	outer, err := pedersen.Hash(inner, balanceDigest)
	if err != nil {
		return [32]byte{}, fmt.Errorf("state: vault leaf hash: %w", err)
	}
	return [32]byte(outer), nil
}

// OrderState is the leaf value for an order: the amount already fulfilled.
type OrderState struct {
	FulfilledAmount *big.Int
}

// EmptyOrder returns the canonical empty-order leaf.
func EmptyOrder() OrderState {
	return OrderState{FulfilledAmount: big.NewInt(0)}
}

// EmptyOrderLeaf returns the order tree's empty-leaf digest: the zero
// digest, since an order leaf is the raw fulfilled-amount bytes rather than
// a Pedersen hash (spec §3 note) and the empty order's fulfilled amount is
// zero.
func EmptyOrderLeaf() ([32]byte, error) {
	h, err := (OrderFact{OrderState: EmptyOrder()}).LeafHash()
	if err != nil {
		return [32]byte{}, fmt.Errorf("state: empty order leaf: %w", err)
	}
	return h, nil
}

// NewOrderState validates a fulfilled amount.
func NewOrderState(fulfilledAmount *big.Int) (OrderState, error) {
	if fulfilledAmount.Sign() < 0 || fulfilledAmount.Cmp(MaxAmount) >= 0 {
		return OrderState{}, ErrOutOfRangeFulfilledAmount
	}
	return OrderState{FulfilledAmount: new(big.Int).Set(fulfilledAmount)}, nil
}

// Equal reports whether two order states carry the same fulfilled amount.
func (o OrderState) Equal(other OrderState) bool {
	return o.FulfilledAmount.Cmp(other.FulfilledAmount) == 0
}

// OrderUpdateData is a single order delta: party fulfils `diff` more of an
// order whose total capacity is `capacity`.
type OrderUpdateData struct {
	OrderID  int64
	Diff     *big.Int
	Capacity *big.Int
}

// Apply folds an OrderUpdateData onto the receiver, enforcing that the
// fulfilled amount never exceeds the order's capacity.
func (o OrderState) Apply(change OrderUpdateData) (OrderState, error) {
	if change.Diff.Sign() < 0 || change.Diff.Cmp(MaxAmount) >= 0 {
		return OrderState{}, ErrOutOfRangeDiff
	}
	newAmount := new(big.Int).Add(o.FulfilledAmount, change.Diff)
	if newAmount.Cmp(change.Capacity) > 0 {
		return OrderState{}, ErrConflictingSettlement
	}
	return NewOrderState(newAmount)
}

// OrderFact adapts OrderState to the merkle.Fact interface.
type OrderFact struct {
	OrderState
}

// Prefix is the content-addressed key prefix for order leaves.
func (OrderFact) Prefix() string { return "order_state" }

// Serialize produces the canonical text encoding of the order leaf.
func (f OrderFact) Serialize() []byte {
	return []byte(fmt.Sprintf(`{"fulfilled_amount":"%s"}`, f.FulfilledAmount.String()))
}

type orderFactJSON struct {
	FulfilledAmount string `json:"fulfilled_amount"`
}

// DecodeOrderState parses an OrderFact's Serialize() payload back into an
// OrderState — the inverse used by merkle.Tree.GetLeaves to resolve stored
// order leaves.
func DecodeOrderState(raw []byte) (interface{}, error) {
	var j orderFactJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("state: decode order fact: %w", err)
	}
	amount, ok := new(big.Int).SetString(j.FulfilledAmount, 10)
	if !ok {
		return nil, fmt.Errorf("state: decode order fact: malformed fulfilled_amount %q", j.FulfilledAmount)
	}
	return OrderState{FulfilledAmount: amount}, nil
}

// LeafHash is the order leaf's storage key: unlike every other fact in this
// system, it is NOT Pedersen-hashed. The fulfilled amount is used directly
// as the 32-byte big-endian digest (spec §3 note).
func (f OrderFact) LeafHash() ([32]byte, error) {
	var out [32]byte
	f.FulfilledAmount.FillBytes(out[:])
	return out, nil
}
