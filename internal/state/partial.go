// Copyright 2025 Certen Protocol
//
// PartialState mirrors original_source/stark_ex_objects/starkware/objects/
// state.py's PartialState: a sparse view over vault and order leaves, used
// to describe "everything that changed in this batch" without forcing
// every leaf in the tree to be loaded.

package state

// PartialState holds a sparse set of vault and order leaves, keyed by their
// tree index.
type PartialState struct {
	Vaults map[int64]VaultState
	Orders map[int64]OrderState
}

// EmptyPartialState returns a PartialState with no leaves recorded.
func EmptyPartialState() PartialState {
	return PartialState{Vaults: make(map[int64]VaultState), Orders: make(map[int64]OrderState)}
}

// KeepDiffs removes every leaf from the receiver that is unchanged relative
// to reference, in place, and returns the receiver for chaining. It mirrors
// PartialState.keep_diffs: what remains is exactly the set of leaves this
// batch actually touched.
func (p PartialState) KeepDiffs(reference PartialState) PartialState {
	for id, refState := range reference.Vaults {
		if cur, ok := p.Vaults[id]; ok && cur.Equal(refState) {
			delete(p.Vaults, id)
		}
	}
	for id, refState := range reference.Orders {
		if cur, ok := p.Orders[id]; ok && cur.Equal(refState) {
			delete(p.Orders, id)
		}
	}
	return p
}

// IsPartialTo reports whether every leaf recorded in p agrees with the
// corresponding leaf in other, mirroring PartialState.__le__: p is "partial
// to" other when p's known leaves are a consistent subset of other's.
func (p PartialState) IsPartialTo(other PartialState) bool {
	for id, v := range p.Vaults {
		ov, ok := other.Vaults[id]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	for id, o := range p.Orders {
		oo, ok := other.Orders[id]
		if !ok || !o.Equal(oo) {
			return false
		}
	}
	return true
}

// EqualPartial reports mutual partiality (original's __eq__: p <= other &&
// other <= p), i.e. the two partial states agree on every leaf either one
// of them records.
func (p PartialState) EqualPartial(other PartialState) bool {
	return p.IsPartialTo(other) && other.IsPartialTo(p)
}
