// Copyright 2025 Certen Protocol
//
// End-to-end tests for the crash-safe batch loop against the concrete
// scenarios in spec §8 (S1 empty initialisation, S3/S4/S5 corrupted-leaf
// handling under each ValidateOrders setting).

package committee

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/starkware-committee/da-committee/internal/gateway"
	"github.com/starkware-committee/da-committee/internal/merkle"
	"github.com/starkware-committee/da-committee/internal/signature"
	"github.com/starkware-committee/da-committee/internal/state"
	"github.com/starkware-committee/da-committee/internal/store"
)

// memKV is a minimal in-memory store.KV for driving the committee loop
// without a real backing database.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("memKV: key %q not found", key)
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Has(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

// memProgress is an in-memory stand-in for *store.ProgressStore, satisfying
// the committee.ProgressStore interface so the loop can run without a live
// Postgres instance.
type memProgress struct {
	mu      sync.Mutex
	next    int64
	hasNext bool
	last    store.BatchInfo
	hasLast bool
}

func newMemProgress() *memProgress { return &memProgress{} }

func (p *memProgress) LoadNextBatchID(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasNext {
		return 0, store.ErrProgressNotFound
	}
	return p.next, nil
}

func (p *memProgress) LoadLastBatchInfo(context.Context) (store.BatchInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasLast {
		return store.BatchInfo{}, store.ErrProgressNotFound
	}
	return p.last, nil
}

func (p *memProgress) AdvanceProgress(_ context.Context, info store.BatchInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = info.BatchID + 1
	p.hasNext = true
	p.last = info
	p.hasLast = true
	return nil
}

func (p *memProgress) snapshot() (next int64, hasNext bool, last store.BatchInfo, hasLast bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next, p.hasNext, p.last, p.hasLast
}

// gatewayStub backs the test HTTP server: it serves a fixed StateUpdate and
// records whatever signature it is sent.
type gatewayStub struct {
	update       gateway.StateUpdate
	gotSignature *gateway.CommitteeSignature
}

func newGatewayTestServer(t *testing.T, stub *gatewayStub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/availability_gateway/get_batch_data", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gateway.BatchDataResponse{Update: stub.update})
	})
	mux.HandleFunc("/availability_gateway/order_tree_height", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/availability_gateway/approve_new_roots", func(w http.ResponseWriter, r *http.Request) {
		var sig gateway.CommitteeSignature
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stub.gotSignature = &sig
		w.Write([]byte("signature accepted"))
	})
	return httptest.NewServer(mux)
}

func hexRoot(d merkle.Digest) string {
	return fmt.Sprintf("0x%x", d[:])
}

// testPrivateKey is an arbitrary valid scalar in (0, EC_ORDER), used only to
// exercise the signing path in these tests.
func testPrivateKey() *big.Int { return big.NewInt(123456789) }

// buildCommittee wires a Committee against in-memory stores and a stub
// gateway serving stub.update, with validateOrders controlling spec §4.5
// step 5 behavior.
func buildCommittee(t *testing.T, stub *gatewayStub, vaultsHeight, ordersHeight int, validateOrders bool) (*Committee, *memProgress) {
	t.Helper()
	srv := newGatewayTestServer(t, stub)
	t.Cleanup(srv.Close)

	progress := newMemProgress()
	c, err := New(Config{
		Gateway:        gateway.NewClient(srv.URL, 5*time.Second),
		Progress:       progress,
		VaultsKV:       newMemKV(),
		OrdersKV:       newMemKV(),
		VaultsHeight:   vaultsHeight,
		OrdersHeight:   ordersHeight,
		PrivateKey:     testPrivateKey(),
		MemberKeyHex:   "0xabc",
		ValidateOrders: validateOrders,
		NonceMode:      signature.DeterministicNonce,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, progress
}

// computeRoot applies leaves to a fresh empty tree of the given height and
// leaf family over a throwaway store, returning the resulting root — used
// to build the "true" root a test's StateUpdate fixture claims.
func computeRoot(t *testing.T, height int, emptyLeaf merkle.Digest, leaves []merkle.Leaf) merkle.Digest {
	t.Helper()
	tree, err := merkle.Empty(newMemKV(), height, emptyLeaf)
	if err != nil {
		t.Fatalf("merkle.Empty: %v", err)
	}
	updated, err := tree.Update(context.Background(), leaves)
	if err != nil {
		t.Fatalf("tree.Update: %v", err)
	}
	return updated.Root
}

// mustEmptyVaultLeaf and mustEmptyOrderLeaf give tests the per-family empty
// leaf digest expected by merkle.Empty/merkle.EmptyTreeRoot (spec §4.4's
// empty_tree(height, empty_leaf, H)): H(H(0,0),0) for vaults, the zero
// digest for orders (spec §3).
func mustEmptyVaultLeaf(t *testing.T) merkle.Digest {
	t.Helper()
	h, err := state.EmptyVaultLeaf()
	if err != nil {
		t.Fatalf("EmptyVaultLeaf: %v", err)
	}
	return merkle.Digest(h)
}

func mustEmptyOrderLeaf(t *testing.T) merkle.Digest {
	t.Helper()
	h, err := state.EmptyOrderLeaf()
	if err != nil {
		t.Fatalf("EmptyOrderLeaf: %v", err)
	}
	return merkle.Digest(h)
}

func mustVaultFact(t *testing.T, starkKey, token, balance int64) state.VaultFact {
	t.Helper()
	vs, err := state.NewVaultState(big.NewInt(starkKey), big.NewInt(token), big.NewInt(balance))
	if err != nil {
		t.Fatalf("NewVaultState: %v", err)
	}
	return state.VaultFact{VaultState: vs}
}

func mustOrderFact(t *testing.T, fulfilled int64) state.OrderFact {
	t.Helper()
	os, err := state.NewOrderState(big.NewInt(fulfilled))
	if err != nil {
		t.Fatalf("NewOrderState: %v", err)
	}
	return state.OrderFact{OrderState: os}
}

// TestS1EmptyInitialization mirrors spec scenario S1: on a fresh progress
// store, resolveNextBatchID must persist the genesis batch info (sequence
// number -1; the vaults root checked here equals the empty vault tree of
// the configured height) and return 0 as the next batch id to attempt.
func TestS1EmptyInitialization(t *testing.T) {
	stub := &gatewayStub{}
	c, progress := buildCommittee(t, stub, 5, 5, true)

	next, err := c.resolveNextBatchID(context.Background())
	if err != nil {
		t.Fatalf("resolveNextBatchID: %v", err)
	}
	if next != 0 {
		t.Fatalf("expected next batch id 0, got %d", next)
	}

	_, hasNext, last, hasLast := progress.snapshot()
	if !hasNext || !hasLast {
		t.Fatalf("expected genesis progress to be persisted")
	}
	if last.BatchID != -1 || last.SequenceNumber != -1 {
		t.Fatalf("expected genesis batch info (-1, seq -1), got %+v", last)
	}
	wantVaultsRoot, err := merkle.EmptyTreeRoot(5, mustEmptyVaultLeaf(t))
	if err != nil {
		t.Fatalf("EmptyTreeRoot: %v", err)
	}
	if merkle.Digest(last.VaultsRoot[:32]) != wantVaultsRoot {
		t.Fatalf("genesis vaults root mismatch")
	}
}

// TestAttemptBatchRejectsPredecessorMismatch verifies that a state update
// claiming a prev_batch_id other than the committee's own last validated
// batch is rejected before any replay happens, per spec §4.5 step 3.
func TestAttemptBatchRejectsPredecessorMismatch(t *testing.T) {
	const height = 3
	v0 := mustVaultFact(t, 1, 1, 10)
	vaultsRoot := computeRoot(t, height, mustEmptyVaultLeaf(t), []merkle.Leaf{{Index: 0, Fact: v0}})
	emptyOrdersRoot, err := merkle.EmptyTreeRoot(height, mustEmptyOrderLeaf(t))
	if err != nil {
		t.Fatalf("EmptyTreeRoot: %v", err)
	}

	stub := &gatewayStub{update: gateway.StateUpdate{
		PrevBatchID: 7, // genesis's last batch is -1, not 7
		VaultsRoot:  hexRoot(vaultsRoot),
		OrdersRoot:  hexRoot(emptyOrdersRoot),
		VaultUpdates: []gateway.VaultLeafUpdate{
			{VaultID: 0, StarkKey: "0x1", Token: "0x1", Balance: "10"},
		},
	}}

	c, progress := buildCommittee(t, stub, height, height, true)
	if _, err := c.resolveNextBatchID(context.Background()); err != nil {
		t.Fatalf("resolveNextBatchID: %v", err)
	}

	_, cerr := c.attemptBatch(context.Background(), 0)
	if cerr == nil {
		t.Fatalf("expected a data-integrity error from the predecessor mismatch")
	}
	if cerr.Kind != KindDataIntegrity {
		t.Fatalf("expected KindDataIntegrity, got %v", cerr.Kind)
	}
	if stub.gotSignature != nil {
		t.Fatalf("expected no signature to be submitted")
	}
	_, _, last, _ := progress.snapshot()
	if last.BatchID != -1 {
		t.Fatalf("expected progress to remain at genesis, got last batch %d", last.BatchID)
	}
}

// TestS3CorruptedVaultLeafAborts mirrors spec scenario S3: omitting one
// vault entry from the update makes the recomputed vaults root disagree
// with the claimed one, so the batch is not accepted and progress is not
// advanced past genesis.
func TestS3CorruptedVaultLeafAborts(t *testing.T) {
	const height = 3
	v0 := mustVaultFact(t, 11, 22, 33)
	v1 := mustVaultFact(t, 44, 55, 66)
	fullRoot := computeRoot(t, height, mustEmptyVaultLeaf(t), []merkle.Leaf{{Index: 0, Fact: v0}, {Index: 1, Fact: v1}})
	emptyOrdersRoot, err := merkle.EmptyTreeRoot(height, mustEmptyOrderLeaf(t))
	if err != nil {
		t.Fatalf("EmptyTreeRoot: %v", err)
	}

	stub := &gatewayStub{update: gateway.StateUpdate{
		PrevBatchID: -1,
		VaultsRoot:  hexRoot(fullRoot),
		OrdersRoot:  hexRoot(emptyOrdersRoot),
		VaultUpdates: []gateway.VaultLeafUpdate{
			// v1 is missing: the gateway claims fullRoot but only sends v0.
			{VaultID: 0, StarkKey: "0xb", Token: "0x16", Balance: "33"},
		},
	}}

	c, progress := buildCommittee(t, stub, height, height, true)
	if _, err := c.resolveNextBatchID(context.Background()); err != nil {
		t.Fatalf("resolveNextBatchID: %v", err)
	}

	_, cerr := c.attemptBatch(context.Background(), 0)
	if cerr == nil {
		t.Fatalf("expected a data-integrity error from the vaults root mismatch")
	}
	if cerr.Kind != KindDataIntegrity {
		t.Fatalf("expected KindDataIntegrity, got %v", cerr.Kind)
	}
	if stub.gotSignature != nil {
		t.Fatalf("expected no signature to be submitted")
	}
	_, _, last, _ := progress.snapshot()
	if last.BatchID != -1 {
		t.Fatalf("expected progress to remain at genesis, got last batch %d", last.BatchID)
	}
}

// TestS4CorruptedOrderLeafAbortsUnderFullValidation mirrors spec scenario
// S4: with ValidateOrders true, omitting one order entry makes the
// recomputed orders root disagree with the claimed one; nothing is
// persisted for batch 0.
func TestS4CorruptedOrderLeafAbortsUnderFullValidation(t *testing.T) {
	const height = 3
	v0 := mustVaultFact(t, 1, 1, 10)
	vaultsRoot := computeRoot(t, height, mustEmptyVaultLeaf(t), []merkle.Leaf{{Index: 0, Fact: v0}})

	o0 := mustOrderFact(t, 5)
	o1 := mustOrderFact(t, 9)
	fullOrdersRoot := computeRoot(t, height, mustEmptyOrderLeaf(t), []merkle.Leaf{{Index: 0, Fact: o0}, {Index: 1, Fact: o1}})

	stub := &gatewayStub{update: gateway.StateUpdate{
		PrevBatchID: -1,
		VaultsRoot:  hexRoot(vaultsRoot),
		OrdersRoot:  hexRoot(fullOrdersRoot),
		VaultUpdates: []gateway.VaultLeafUpdate{
			{VaultID: 0, StarkKey: "0x1", Token: "0x1", Balance: "10"},
		},
		OrderUpdates: []gateway.OrderLeafUpdate{
			// o1 is missing.
			{OrderID: 0, FulfilledAmount: "5"},
		},
	}}

	c, progress := buildCommittee(t, stub, height, height, true)
	if _, err := c.resolveNextBatchID(context.Background()); err != nil {
		t.Fatalf("resolveNextBatchID: %v", err)
	}

	_, cerr := c.attemptBatch(context.Background(), 0)
	if cerr == nil {
		t.Fatalf("expected a data-integrity error from the orders root mismatch")
	}
	if cerr.Kind != KindDataIntegrity {
		t.Fatalf("expected KindDataIntegrity, got %v", cerr.Kind)
	}
	if stub.gotSignature != nil {
		t.Fatalf("expected no signature to be submitted")
	}
	_, _, last, _ := progress.snapshot()
	if last.BatchID != -1 {
		t.Fatalf("expected nothing persisted under batch 0, last batch is %d", last.BatchID)
	}
}

// TestS5CorruptedOrderLeafAcceptedWithoutValidation mirrors spec scenario
// S5: with ValidateOrders false, the same missing order entry is accepted
// because the order root is trusted from the update rather than
// recomputed; the batch is signed and progress advances to 0.
func TestS5CorruptedOrderLeafAcceptedWithoutValidation(t *testing.T) {
	const height = 3
	v0 := mustVaultFact(t, 1, 1, 10)
	vaultsRoot := computeRoot(t, height, mustEmptyVaultLeaf(t), []merkle.Leaf{{Index: 0, Fact: v0}})

	o0 := mustOrderFact(t, 5)
	o1 := mustOrderFact(t, 9)
	fullOrdersRoot := computeRoot(t, height, mustEmptyOrderLeaf(t), []merkle.Leaf{{Index: 0, Fact: o0}, {Index: 1, Fact: o1}})

	stub := &gatewayStub{update: gateway.StateUpdate{
		PrevBatchID: -1,
		VaultsRoot:  hexRoot(vaultsRoot),
		OrdersRoot:  hexRoot(fullOrdersRoot),
		VaultUpdates: []gateway.VaultLeafUpdate{
			{VaultID: 0, StarkKey: "0x1", Token: "0x1", Balance: "10"},
		},
		OrderUpdates: []gateway.OrderLeafUpdate{
			// o1 is missing, but ValidateOrders is false so this is fine.
			{OrderID: 0, FulfilledAmount: "5"},
		},
	}}

	c, progress := buildCommittee(t, stub, height, height, false)
	if _, err := c.resolveNextBatchID(context.Background()); err != nil {
		t.Fatalf("resolveNextBatchID: %v", err)
	}

	info, cerr := c.attemptBatch(context.Background(), 0)
	if cerr != nil {
		t.Fatalf("expected batch 0 to be accepted, got %v", cerr)
	}
	if info.BatchID != 0 {
		t.Fatalf("expected BatchID 0, got %d", info.BatchID)
	}
	if info.OrdersRoot != fullOrdersRoot {
		t.Fatalf("expected the trusted gateway orders root to be signed over")
	}
	if stub.gotSignature == nil {
		t.Fatalf("expected a signature to be submitted")
	}
	next, hasNext, last, _ := progress.snapshot()
	if !hasNext || next != 1 {
		t.Fatalf("expected next batch id 1, got %d (hasNext=%v)", next, hasNext)
	}
	if last.BatchID != 0 {
		t.Fatalf("expected last batch id 0, got %d", last.BatchID)
	}
}
