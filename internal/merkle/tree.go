// Copyright 2025 Certen Protocol
//
// Package merkle implements the sparse, content-addressed, immutable Merkle
// tree described in spec §4.4: a perfect binary tree of fixed height whose
// nodes are identified by their Pedersen hash, with structural sharing
// between updates and authentication paths for individual leaves. The
// empty leaf is not fixed: each leaf family defines its own (the vault
// tree's is H(H(0,0),0), the order tree's is the zero digest), so callers
// pass it in wherever a tree's identity needs establishing.
//
// The indexing scheme mirrors the original array-embedded binary tree:
// node 1 is the root; node i's children are 2i (left) and 2i+1 (right).

package merkle

import (
	"context"
	"fmt"

	"github.com/starkware-committee/da-committee/internal/pedersen"
	"github.com/starkware-committee/da-committee/internal/store"
)

// Digest is a 32-byte node hash.
type Digest = pedersen.Digest

// Fact is anything that can serve as a tree leaf: it knows how to compute
// its own content-addressed hash and how to serialize itself for storage.
// state.VaultFact and state.OrderFact both satisfy this.
type Fact interface {
	// Prefix namespaces this fact's storage keys from other fact kinds
	// sharing the same KV store.
	Prefix() string
	// LeafHash is the fact's leaf digest (spec §3: Pedersen for vaults,
	// raw bytes for orders).
	LeafHash() ([32]byte, error)
	// Serialize is the fact's storage payload.
	Serialize() []byte
}

// node is an internal (non-leaf) tree node: the hashes of its two children.
type node struct {
	Left, Right Digest
}

func (n node) serialize() []byte {
	out := make([]byte, 64)
	copy(out[:32], n.Left[:])
	copy(out[32:], n.Right[:])
	return out
}

func deserializeNode(b []byte) (node, error) {
	if len(b) != 64 {
		return node{}, fmt.Errorf("merkle: malformed internal node (%d bytes)", len(b))
	}
	var n node
	copy(n.Left[:], b[:32])
	copy(n.Right[:], b[32:])
	return n, nil
}

const nodePrefix = "merkle_node"

func nodeStorageKey(h Digest) string {
	return fmt.Sprintf("%s:%x", nodePrefix, h)
}

// emptyRootKey identifies one memoized empty_tree_roots(height) entry. The
// empty root at a given height depends on both the height and the leaf
// family's empty leaf (spec §4.4 empty_tree(height, empty_leaf, H)) — the
// vault tree's empty leaf (H(H(0,0),0)) and the order tree's empty leaf
// (the zero digest) produce different empty roots at the same height.
type emptyRootKey struct {
	height int
	leaf   Digest
}

// emptyRootCache memoizes empty_tree_roots(height, emptyLeaf) across calls:
// it only depends on its key, never on stored data.
var emptyRootCache = map[emptyRootKey]Digest{}

// EmptyTreeRoot returns the root hash of a tree of the given height all of
// whose leaves are emptyLeaf, per spec §4.4's empty_tree(height, empty_leaf,
// H). Height 0 is emptyLeaf itself.
func EmptyTreeRoot(height int, emptyLeaf Digest) (Digest, error) {
	if height < 0 {
		return Digest{}, fmt.Errorf("merkle: negative height %d", height)
	}
	key := emptyRootKey{height: height, leaf: emptyLeaf}
	if r, ok := emptyRootCache[key]; ok {
		return r, nil
	}
	if height == 0 {
		emptyRootCache[key] = emptyLeaf
		return emptyLeaf, nil
	}
	child, err := EmptyTreeRoot(height-1, emptyLeaf)
	if err != nil {
		return Digest{}, err
	}
	root, err := pedersen.Hash(child, child)
	if err != nil {
		return Digest{}, fmt.Errorf("merkle: empty tree root at height %d: %w", height, err)
	}
	emptyRootCache[key] = root
	return root, nil
}

// Tree is an immutable handle to one version of a sparse Merkle tree: a
// root digest, a fixed height, the KV store backing both leaf facts and
// internal nodes, and the leaf family's empty-leaf digest (used to
// short-circuit untouched subtrees without ever reading them from storage).
// Values are never mutated in place — Update returns a new Tree sharing
// unmodified subtrees with the receiver (spec §4.4 "structural sharing").
type Tree struct {
	Root      Digest
	Height    int
	KV        store.KV
	EmptyLeaf Digest
}

// Empty returns the empty tree of the given height and leaf family.
func Empty(kv store.KV, height int, emptyLeaf Digest) (Tree, error) {
	root, err := EmptyTreeRoot(height, emptyLeaf)
	if err != nil {
		return Tree{}, err
	}
	return Tree{Root: root, Height: height, KV: kv, EmptyLeaf: emptyLeaf}, nil
}

// Leaf is one (index, fact) pair to apply in a batch Update.
type Leaf struct {
	Index int64
	Fact  Fact
}

// Update applies a batch of leaf changes and returns the resulting tree. If
// the same index appears more than once, the last occurrence in leaves
// wins, matching the original's "last write wins" semantics for a single
// batch.
func (t Tree) Update(ctx context.Context, leaves []Leaf) (Tree, error) {
	if len(leaves) == 0 {
		return t, nil
	}
	byIndex := make(map[int64]Fact, len(leaves))
	for _, l := range leaves {
		byIndex[l.Index] = l.Fact
	}
	dedup := make([]Leaf, 0, len(byIndex))
	for idx, f := range byIndex {
		dedup = append(dedup, Leaf{Index: idx, Fact: f})
	}

	newRoot, err := updateSubtree(ctx, t.KV, t.Root, t.Height, 0, dedup, t.EmptyLeaf)
	if err != nil {
		return Tree{}, err
	}
	return Tree{Root: newRoot, Height: t.Height, KV: t.KV, EmptyLeaf: t.EmptyLeaf}, nil
}

// updateSubtree recursively applies the leaves falling within a subtree of
// the given height rooted at rootHash, whose leftmost leaf has index
// indexOffset. Mirrors the original's recursive left/right partition with
// parallel recursion into non-empty halves (spec §4.4, §5).
func updateSubtree(ctx context.Context, kv store.KV, rootHash Digest, height int, indexOffset int64, leaves []Leaf, emptyLeaf Digest) (Digest, error) {
	if len(leaves) == 0 {
		return rootHash, nil
	}
	if height == 0 {
		if len(leaves) != 1 {
			return Digest{}, fmt.Errorf("merkle: multiple updates target the same leaf index")
		}
		h, err := leaves[0].Fact.LeafHash()
		if err != nil {
			return Digest{}, fmt.Errorf("merkle: leaf hash: %w", err)
		}
		key := fmt.Sprintf("%s:%x", leaves[0].Fact.Prefix(), h)
		if err := kv.Set(ctx, key, leaves[0].Fact.Serialize()); err != nil {
			return Digest{}, fmt.Errorf("merkle: store leaf fact: %w", err)
		}
		return Digest(h), nil
	}

	left, right, err := childHashes(ctx, kv, rootHash, height, emptyLeaf)
	if err != nil {
		return Digest{}, err
	}

	mid := indexOffset + (int64(1) << uint(height-1))
	var leftLeaves, rightLeaves []Leaf
	for _, l := range leaves {
		if l.Index < mid {
			leftLeaves = append(leftLeaves, l)
		} else {
			rightLeaves = append(rightLeaves, l)
		}
	}

	var newLeft, newRight Digest
	var leftErr, rightErr error
	if len(leftLeaves) > 0 && len(rightLeaves) > 0 {
		done := make(chan struct{})
		go func() {
			defer close(done)
			newLeft, leftErr = updateSubtree(ctx, kv, left, height-1, indexOffset, leftLeaves, emptyLeaf)
		}()
		newRight, rightErr = updateSubtree(ctx, kv, right, height-1, mid, rightLeaves, emptyLeaf)
		<-done
	} else if len(leftLeaves) > 0 {
		newLeft, leftErr = updateSubtree(ctx, kv, left, height-1, indexOffset, leftLeaves, emptyLeaf)
		newRight = right
	} else {
		newLeft = left
		newRight, rightErr = updateSubtree(ctx, kv, right, height-1, mid, rightLeaves, emptyLeaf)
	}
	if leftErr != nil {
		return Digest{}, leftErr
	}
	if rightErr != nil {
		return Digest{}, rightErr
	}

	newRoot, err := pedersen.Hash(newLeft, newRight)
	if err != nil {
		return Digest{}, fmt.Errorf("merkle: combine children: %w", err)
	}
	n := node{Left: newLeft, Right: newRight}
	if err := kv.Set(ctx, nodeStorageKey(newRoot), n.serialize()); err != nil {
		return Digest{}, fmt.Errorf("merkle: store internal node: %w", err)
	}
	return newRoot, nil
}

// childHashes loads the two children of the node at rootHash, treating an
// empty subtree (rootHash equal to the height's empty root for emptyLeaf)
// specially so the tree never needs to materialize untouched subtrees.
func childHashes(ctx context.Context, kv store.KV, rootHash Digest, height int, emptyLeaf Digest) (left, right Digest, err error) {
	emptyRoot, err := EmptyTreeRoot(height, emptyLeaf)
	if err != nil {
		return Digest{}, Digest{}, err
	}
	if rootHash == emptyRoot {
		childEmpty, err := EmptyTreeRoot(height-1, emptyLeaf)
		if err != nil {
			return Digest{}, Digest{}, err
		}
		return childEmpty, childEmpty, nil
	}

	raw, err := kv.Get(ctx, nodeStorageKey(rootHash))
	if err != nil {
		return Digest{}, Digest{}, fmt.Errorf("merkle: load node %x: %w", rootHash, err)
	}
	n, err := deserializeNode(raw)
	if err != nil {
		return Digest{}, Digest{}, err
	}
	return n.Left, n.Right, nil
}

// AuthPathEntry is one sibling hash on the path from a leaf to the root,
// ordered leaf-to-root (spec §4.4).
type AuthPathEntry struct {
	Sibling Digest
	// LeftSibling is true if Sibling is the left child at this level (i.e.
	// the path node itself was the right child).
	LeftSibling bool
}

// GetAuthenticationPath returns the sibling hashes from the leaf at index up
// to (but not including) the root, along with the leaf's own current hash.
func (t Tree) GetAuthenticationPath(ctx context.Context, index int64) (leaf Digest, path []AuthPathEntry, err error) {
	cur := t.Root
	for height := t.Height; height > 0; height-- {
		left, right, cerr := childHashes(ctx, t.KV, cur, height, t.EmptyLeaf)
		if cerr != nil {
			return Digest{}, nil, cerr
		}
		mid := int64(1) << uint(height-1)
		if index < mid {
			path = append(path, AuthPathEntry{Sibling: right, LeftSibling: false})
			cur = left
		} else {
			path = append(path, AuthPathEntry{Sibling: left, LeftSibling: true})
			cur = right
			index -= mid
		}
	}
	// The loop above descends root-to-leaf, appending each level's sibling
	// as it goes, so path is currently root-first. Reverse it into the
	// leaf-to-root order spec §4.4 and VerifyPath require.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return cur, path, nil
}

// VerifyPath recomputes the root from a leaf hash and its authentication
// path (ordered leaf-to-root, as returned by GetAuthenticationPath) and
// reports whether it equals root.
func VerifyPath(leaf Digest, path []AuthPathEntry, root Digest) (bool, error) {
	cur := leaf
	for _, entry := range path {
		var combined Digest
		var err error
		if entry.LeftSibling {
			combined, err = pedersen.Hash(entry.Sibling, cur)
		} else {
			combined, err = pedersen.Hash(cur, entry.Sibling)
		}
		if err != nil {
			return false, fmt.Errorf("merkle: verify path: %w", err)
		}
		cur = combined
	}
	return cur == root, nil
}

// DFSEntry is one (index, digest) pair yielded by DFS, using the
// array-embedded binary-tree index (root = 1, children of n are 2n, 2n+1).
type DFSEntry struct {
	Index  int64
	Digest Digest
}

// DFS walks the tree depth-first from the root, invoking visit for every
// node it reaches. A node whose digest is present in exclude is still
// yielded but not descended into, letting callers skip subtrees already
// known (e.g. previously dumped or still at their empty-tree value), per
// spec §4.4. visit returning an error aborts the traversal.
func (t Tree) DFS(ctx context.Context, exclude map[Digest]bool, visit func(DFSEntry) error) error {
	return dfsSubtree(ctx, t.KV, 1, t.Root, t.Height, t.EmptyLeaf, exclude, visit)
}

func dfsSubtree(ctx context.Context, kv store.KV, index int64, digest Digest, height int, emptyLeaf Digest, exclude map[Digest]bool, visit func(DFSEntry) error) error {
	if err := visit(DFSEntry{Index: index, Digest: digest}); err != nil {
		return err
	}
	if height == 0 || exclude[digest] {
		return nil
	}
	left, right, err := childHashes(ctx, kv, digest, height, emptyLeaf)
	if err != nil {
		return fmt.Errorf("merkle: dfs at index %d: %w", index, err)
	}
	if err := dfsSubtree(ctx, kv, 2*index, left, height-1, emptyLeaf, exclude, visit); err != nil {
		return err
	}
	return dfsSubtree(ctx, kv, 2*index+1, right, height-1, emptyLeaf, exclude, visit)
}

// LeafReader decodes a tree's stored fact payloads back into their typed
// leaf value, and supplies the value an untouched (never-written) slot
// decodes to, so GetLeaves can serve spec §4.4's get_leaves without reading
// a leaf fact from storage for indices that were never updated.
type LeafReader struct {
	// Prefix is the fact family's storage key prefix (e.g. "vault_state").
	Prefix string
	// Decode parses a stored fact's Serialize() payload back into its
	// typed leaf value.
	Decode func(raw []byte) (interface{}, error)
	// Empty is the typed value an index whose leaf hash is the tree's
	// EmptyLeaf decodes to.
	Empty interface{}
}

// GetLeaves returns the decoded leaf values at every index in indices,
// per spec §4.4's get_leaves(root, indices, leaf_type). Untouched indices
// resolve to r.Empty without a fact lookup (the walk down to each leaf still
// reads the non-empty internal nodes on its path); every other index is read
// back by its content-addressed key and decoded with r.Decode.
func (t Tree) GetLeaves(ctx context.Context, indices []int64, r LeafReader) (map[int64]interface{}, error) {
	out := make(map[int64]interface{}, len(indices))
	for _, idx := range indices {
		leaf, _, err := t.GetAuthenticationPath(ctx, idx)
		if err != nil {
			return nil, err
		}
		if leaf == t.EmptyLeaf {
			out[idx] = r.Empty
			continue
		}
		raw, err := t.KV.Get(ctx, fmt.Sprintf("%s:%x", r.Prefix, leaf))
		if err != nil {
			return nil, fmt.Errorf("merkle: load leaf fact at index %d: %w", idx, err)
		}
		val, err := r.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("merkle: decode leaf fact at index %d: %w", idx, err)
		}
		out[idx] = val
	}
	return out, nil
}
