// Copyright 2025 Certen Protocol
//
// Package committee implements the crash-safe batch validation loop
// described in spec §4.7: fetch a batch's state update from the
// availability gateway, replay its leaf changes into the vault and order
// Merkle trees, verify the resulting roots against what the gateway
// claims, sign the availability claim, submit the signature, and only then
// advance persisted progress.

package committee

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/starkware-committee/da-committee/internal/claim"
	"github.com/starkware-committee/da-committee/internal/gateway"
	"github.com/starkware-committee/da-committee/internal/merkle"
	"github.com/starkware-committee/da-committee/internal/signature"
	"github.com/starkware-committee/da-committee/internal/state"
	"github.com/starkware-committee/da-committee/internal/store"
)

// BatchInfo is the full record of one validated batch, analogous to the
// original CommitteeBatchInfo dataclass.
type BatchInfo struct {
	BatchID        int64
	VaultsRoot     [32]byte
	OrdersRoot     [32]byte
	SequenceNumber int64
}

// Validator is an optional hook invoked after a batch's roots have been
// recomputed and verified but before it is signed, letting an operator
// reject batches on business-level grounds (e.g. trade-volume limits). It
// receives the batch id so it can correlate rejections with external
// audit logs. A nil Validator always accepts.
type Validator func(update gateway.StateUpdate, batchID int64) error

// ProgressStore is the narrow persistence interface the loop depends on;
// *store.ProgressStore satisfies it. Expressed as an interface (spec §9's
// "narrow trait" guidance) so the loop can be driven against an in-memory
// fake in tests instead of a live Postgres instance.
type ProgressStore interface {
	LoadNextBatchID(ctx context.Context) (int64, error)
	LoadLastBatchInfo(ctx context.Context) (store.BatchInfo, error)
	AdvanceProgress(ctx context.Context, info store.BatchInfo) error
}

// Config configures a Committee.
type Config struct {
	Gateway        *gateway.Client
	Progress       ProgressStore
	VaultsKV       store.KV
	OrdersKV       store.KV
	VaultsHeight   int
	OrdersHeight   int
	PrivateKey     *big.Int
	MemberKeyHex   string
	Validator      Validator
	PollInterval   time.Duration
	NonceMode      signature.NonceMode
	Metrics        *Metrics
	Logger         *log.Logger

	// ValidateOrders mirrors the original committee's VALIDATE_ORDERS flag.
	// When true, a trades height reported by the gateway that disagrees
	// with OrdersHeight is a fatal configuration error: the order root was
	// computed at OrdersHeight, so signing a claim under a different
	// trades height would misrepresent what was actually validated. When
	// false, the committee trusts the gateway's root and may sign using
	// the gateway-reported trades height instead (spec §4.7 "trades-height
	// adaptation").
	ValidateOrders bool
}

// Committee runs the validation loop.
type Committee struct {
	cfg    Config
	logger *log.Logger
}

// New constructs a Committee from cfg, applying defaults for unset fields.
func New(cfg Config) (*Committee, error) {
	if cfg.Gateway == nil {
		return nil, ErrNilGatewayClient
	}
	if cfg.Progress == nil {
		return nil, ErrNilStore
	}
	if cfg.VaultsKV == nil || cfg.OrdersKV == nil {
		return nil, ErrNilKV
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Committee] ", log.LstdFlags)
	}
	return &Committee{cfg: cfg, logger: cfg.Logger}, nil
}

// Run drives the validation loop until ctx is cancelled. It never returns a
// non-nil error for transient failures: those are logged, counted, and
// retried after PollInterval. A configuration-kind error aborts the loop
// immediately, since retrying cannot fix a bad private key or an
// unreachable progress store.
func (c *Committee) Run(ctx context.Context) error {
	nextBatchID, err := c.resolveNextBatchID(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		_, cerr := c.attemptBatch(ctx, nextBatchID)
		if cerr == nil {
			nextBatchID++
		} else if cerr.Kind == KindConfiguration {
			return cerr
		} else {
			if cerr.Kind == KindDataIntegrity {
				c.logger.Printf("ERROR: batch %d data-integrity failure: %v", nextBatchID, cerr)
			} else {
				c.logger.Printf("batch %d attempt failed (kind=%d): %v", nextBatchID, cerr.Kind, cerr)
			}
			if c.cfg.Metrics != nil {
				if cerr.Kind == KindTransient {
					c.cfg.Metrics.GatewayErrors.WithLabelValues("transient").Inc()
				} else if cerr.Kind == KindProtocol {
					c.cfg.Metrics.GatewayErrors.WithLabelValues("protocol").Inc()
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// resolveNextBatchID loads the committee's resume point, or computes the
// genesis batch info if this is the first run against this database.
func (c *Committee) resolveNextBatchID(ctx context.Context) (int64, error) {
	next, err := c.cfg.Progress.LoadNextBatchID(ctx)
	if err == nil {
		return next, nil
	}
	if err != store.ErrProgressNotFound {
		return 0, fmt.Errorf("committee: load progress: %w", err)
	}

	vaultsEmptyLeaf, err := state.EmptyVaultLeaf()
	if err != nil {
		return 0, fmt.Errorf("committee: compute empty vault leaf: %w", err)
	}
	ordersEmptyLeaf, err := state.EmptyOrderLeaf()
	if err != nil {
		return 0, fmt.Errorf("committee: compute empty order leaf: %w", err)
	}
	vaultsEmpty, err := merkle.EmptyTreeRoot(c.cfg.VaultsHeight, merkle.Digest(vaultsEmptyLeaf))
	if err != nil {
		return 0, fmt.Errorf("committee: compute empty vaults root: %w", err)
	}
	ordersEmpty, err := merkle.EmptyTreeRoot(c.cfg.OrdersHeight, merkle.Digest(ordersEmptyLeaf))
	if err != nil {
		return 0, fmt.Errorf("committee: compute empty orders root: %w", err)
	}
	err = c.cfg.Progress.AdvanceProgress(ctx, store.BatchInfo{
		BatchID:        -1,
		VaultsRoot:     vaultsEmpty[:],
		OrdersRoot:     ordersEmpty[:],
		SequenceNumber: -1,
	})
	if err != nil {
		return 0, fmt.Errorf("committee: persist genesis progress: %w", err)
	}
	return 0, nil
}

// attemptBatch runs one full cycle for batchID: fetch, replay, verify,
// validate, sign, submit, advance.
func (c *Committee) attemptBatch(ctx context.Context, batchID int64) (BatchInfo, *ClaimError) {
	start := time.Now()
	defer func() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.BatchDuration.Observe(time.Since(start).Seconds())
		}
	}()

	update, err := c.cfg.Gateway.GetBatchData(ctx, batchID)
	if err != nil {
		return BatchInfo{}, classifyGatewayErr(err)
	}

	vaultsCache := store.NewDeferredCache(c.cfg.VaultsKV)
	ordersCache := store.NewDeferredCache(c.cfg.OrdersKV)

	vaultsRoot, ordersRoot, prevSeq, err := c.replay(ctx, update, vaultsCache, ordersCache)
	if err != nil {
		vaultsCache.Discard()
		ordersCache.Discard()
		return BatchInfo{}, dataIntegrityErr(err)
	}

	if err := verifyReportedRoot(vaultsRoot, update.VaultsRoot); err != nil {
		vaultsCache.Discard()
		ordersCache.Discard()
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RootMismatches.Inc()
		}
		return BatchInfo{}, dataIntegrityErr(fmt.Errorf("vaults root: %w", err))
	}
	// Spec §4.5 step 5: the order root is only independently verified when
	// ValidateOrders is enabled (replay already skipped recomputing it
	// otherwise, taking it on trust straight from the update).
	if c.cfg.ValidateOrders {
		if err := verifyReportedRoot(ordersRoot, update.OrdersRoot); err != nil {
			vaultsCache.Discard()
			ordersCache.Discard()
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RootMismatches.Inc()
			}
			return BatchInfo{}, dataIntegrityErr(fmt.Errorf("orders root: %w", err))
		}
	}

	if c.cfg.Validator != nil {
		if err := c.cfg.Validator(update, batchID); err != nil {
			vaultsCache.Discard()
			ordersCache.Discard()
			return BatchInfo{}, protocolErr(fmt.Errorf("%w: %v", ErrOrdersRejected, err))
		}
	}

	tradesHeight, err := c.resolveTradesHeight(ctx)
	if err != nil {
		vaultsCache.Discard()
		ordersCache.Discard()
		return BatchInfo{}, err
	}

	// Spec §4.6/§4.5 step 7: the fact store is committed only once every
	// check that could still abort the batch has passed, and strictly
	// before the CommitteeBatchInfo write and the gateway POST below.
	if err := vaultsCache.Flush(ctx); err != nil {
		ordersCache.Discard()
		return BatchInfo{}, transientErr(fmt.Errorf("flush vaults cache: %w", err))
	}
	if err := ordersCache.Flush(ctx); err != nil {
		return BatchInfo{}, transientErr(fmt.Errorf("flush orders cache: %w", err))
	}

	// Spec §3: sequence_number is never taken from the gateway — it is
	// always derived as one more than the predecessor's own persisted
	// sequence number, so the monotonic chain is a fact the committee
	// enforces itself rather than one it could be told to break.
	sequenceNumber := prevSeq + 1

	info := claim.Info{
		VaultsRoot:     vaultsRoot,
		VaultsHeight:   uint64(c.cfg.VaultsHeight),
		OrdersRoot:     ordersRoot,
		OrdersHeight:   uint64(tradesHeight),
		SequenceNumber: uint64(sequenceNumber),
	}
	msgHash := info.SigningHash()

	sig, err := signature.Sign(msgHash, c.cfg.PrivateKey, c.cfg.NonceMode, nil)
	if err != nil {
		return BatchInfo{}, configurationErr(fmt.Errorf("sign claim: %w", err))
	}

	claimHash := info.Hash()
	err = c.cfg.Gateway.SendSignature(ctx, gateway.CommitteeSignature{
		BatchID:   batchID,
		Signature: fmt.Sprintf("%s:%s", sig.R.Text(16), sig.S.Text(16)),
		MemberKey: c.cfg.MemberKeyHex,
		ClaimHash: fmt.Sprintf("0x%x", claimHash),
	})
	if err != nil {
		return BatchInfo{}, classifyGatewayErr(err)
	}

	if err := c.cfg.Progress.AdvanceProgress(ctx, store.BatchInfo{
		BatchID:        batchID,
		VaultsRoot:     vaultsRoot[:],
		OrdersRoot:     ordersRoot[:],
		SequenceNumber: sequenceNumber,
	}); err != nil {
		return BatchInfo{}, configurationErr(fmt.Errorf("advance progress after accepted signature: %w", err))
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.BatchesSigned.Inc()
	}
	return BatchInfo{BatchID: batchID, VaultsRoot: vaultsRoot, OrdersRoot: ordersRoot, SequenceNumber: sequenceNumber}, nil
}

// resolveTradesHeight implements the order-tree-height adaptation: the
// gateway may report a trades height that disagrees with the locally
// configured OrdersHeight (a deployment running against a newer or older
// availability gateway than it was configured for). The order root itself
// is always computed at OrdersHeight; only the height recorded in the
// signed claim is affected. Disagreement is only safe to sign over when
// the committee is not independently validating the order root, since a
// different trades height would mean the claim misdescribes what was
// actually checked.
func (c *Committee) resolveTradesHeight(ctx context.Context) (int, *ClaimError) {
	tradesHeight := c.cfg.OrdersHeight

	reported, err := c.cfg.Gateway.OrderTreeHeight(ctx)
	if err != nil {
		if errors.Is(err, gateway.ErrHeightNotSupported) {
			return tradesHeight, nil
		}
		return 0, classifyGatewayErr(err)
	}

	if reported != c.cfg.OrdersHeight {
		if c.cfg.ValidateOrders {
			return 0, configurationErr(fmt.Errorf(
				"validate_orders is true but configured orders height %d disagrees with gateway-reported trades height %d",
				c.cfg.OrdersHeight, reported))
		}
		c.logger.Printf("trades height from gateway (%d) overrides configured orders height (%d)", reported, c.cfg.OrdersHeight)
		tradesHeight = reported
	}
	return tradesHeight, nil
}

// replay loads the previously persisted vaults root, applies the batch's
// vault leaf updates through vaultsKV, and returns the resulting root. The
// order tree is only replayed (through ordersKV) when c.cfg.ValidateOrders
// is set; otherwise the order root is taken verbatim from update.OrdersRoot
// (spec §4.5 step 5 — "the order root is taken on trust from the update"),
// and the order tree's KV is never touched, so a trusted-but-unverified
// order root never corresponds to a half-built tree that a later batch
// would fail to extend.
func (c *Committee) replay(ctx context.Context, update gateway.StateUpdate, vaultsKV, ordersKV store.KV) (vaultsRoot, ordersRoot [32]byte, prevSeq int64, err error) {
	vaultsEmptyLeafBytes, err := state.EmptyVaultLeaf()
	if err != nil {
		return [32]byte{}, [32]byte{}, 0, fmt.Errorf("compute empty vault leaf: %w", err)
	}
	ordersEmptyLeafBytes, err := state.EmptyOrderLeaf()
	if err != nil {
		return [32]byte{}, [32]byte{}, 0, fmt.Errorf("compute empty order leaf: %w", err)
	}
	vaultsEmptyLeaf := merkle.Digest(vaultsEmptyLeafBytes)
	ordersEmptyLeaf := merkle.Digest(ordersEmptyLeafBytes)

	last, lerr := c.cfg.Progress.LoadLastBatchInfo(ctx)
	var prevVaultsRoot, prevOrdersRoot merkle.Digest
	expectedPrevBatchID := int64(-1)
	prevSeq = -1
	if lerr == nil {
		copy(prevVaultsRoot[:], last.VaultsRoot)
		copy(prevOrdersRoot[:], last.OrdersRoot)
		expectedPrevBatchID = last.BatchID
		prevSeq = last.SequenceNumber
	} else if lerr == store.ErrProgressNotFound {
		prevVaultsRoot, err = merkle.EmptyTreeRoot(c.cfg.VaultsHeight, vaultsEmptyLeaf)
		if err != nil {
			return [32]byte{}, [32]byte{}, 0, err
		}
		prevOrdersRoot, err = merkle.EmptyTreeRoot(c.cfg.OrdersHeight, ordersEmptyLeaf)
		if err != nil {
			return [32]byte{}, [32]byte{}, 0, err
		}
	} else {
		return [32]byte{}, [32]byte{}, 0, fmt.Errorf("load previous batch info: %w", lerr)
	}

	// The committee trusts its own persisted history, not whatever chain the
	// gateway claims: if update.PrevBatchID doesn't name the batch we last
	// validated, refuse rather than silently replaying against the wrong
	// predecessor roots (spec §4.5 step 3, §4.7 "contradictory history").
	if update.PrevBatchID != expectedPrevBatchID {
		return [32]byte{}, [32]byte{}, 0, fmt.Errorf(
			"%w: update.prev_batch_id=%d does not match last validated batch %d",
			ErrPredecessorMismatch, update.PrevBatchID, expectedPrevBatchID)
	}

	vaultTree := merkle.Tree{Root: prevVaultsRoot, Height: c.cfg.VaultsHeight, KV: vaultsKV, EmptyLeaf: vaultsEmptyLeaf}

	vaultLeaves := make([]merkle.Leaf, 0, len(update.VaultUpdates))
	for _, u := range update.VaultUpdates {
		starkKey, ok := new(big.Int).SetString(trimHex(u.StarkKey), 16)
		if !ok {
			return [32]byte{}, [32]byte{}, 0, fmt.Errorf("malformed stark_key %q", u.StarkKey)
		}
		token, ok := new(big.Int).SetString(trimHex(u.Token), 16)
		if !ok {
			return [32]byte{}, [32]byte{}, 0, fmt.Errorf("malformed token %q", u.Token)
		}
		balance, ok := new(big.Int).SetString(u.Balance, 10)
		if !ok {
			return [32]byte{}, [32]byte{}, 0, fmt.Errorf("malformed balance %q", u.Balance)
		}
		vs, err := state.NewVaultState(starkKey, token, balance)
		if err != nil {
			return [32]byte{}, [32]byte{}, 0, fmt.Errorf("vault %d: %w", u.VaultID, err)
		}
		vaultLeaves = append(vaultLeaves, merkle.Leaf{Index: u.VaultID, Fact: state.VaultFact{VaultState: vs}})
	}

	newVaultTree, err := vaultTree.Update(ctx, vaultLeaves)
	if err != nil {
		return [32]byte{}, [32]byte{}, 0, fmt.Errorf("apply vault updates: %w", err)
	}
	vaultsRoot = newVaultTree.Root

	if !c.cfg.ValidateOrders {
		ordersRoot, err = parseRootHex(update.OrdersRoot)
		if err != nil {
			return [32]byte{}, [32]byte{}, 0, fmt.Errorf("orders root: %w", err)
		}
		return vaultsRoot, ordersRoot, prevSeq, nil
	}

	orderTree := merkle.Tree{Root: prevOrdersRoot, Height: c.cfg.OrdersHeight, KV: ordersKV, EmptyLeaf: ordersEmptyLeaf}
	orderLeaves := make([]merkle.Leaf, 0, len(update.OrderUpdates))
	for _, u := range update.OrderUpdates {
		amount, ok := new(big.Int).SetString(u.FulfilledAmount, 10)
		if !ok {
			return [32]byte{}, [32]byte{}, 0, fmt.Errorf("malformed fulfilled_amount %q", u.FulfilledAmount)
		}
		os, err := state.NewOrderState(amount)
		if err != nil {
			return [32]byte{}, [32]byte{}, 0, fmt.Errorf("order %d: %w", u.OrderID, err)
		}
		orderLeaves = append(orderLeaves, merkle.Leaf{Index: u.OrderID, Fact: state.OrderFact{OrderState: os}})
	}

	newOrderTree, err := orderTree.Update(ctx, orderLeaves)
	if err != nil {
		return [32]byte{}, [32]byte{}, 0, fmt.Errorf("apply order updates: %w", err)
	}
	return vaultsRoot, newOrderTree.Root, prevSeq, nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// parseRootHex decodes a hex-encoded 32-byte root as reported by the
// gateway, for the trusted-order-root path (ValidateOrders == false).
func parseRootHex(hexRoot string) ([32]byte, error) {
	n, ok := new(big.Int).SetString(trimHex(hexRoot), 16)
	if !ok {
		return [32]byte{}, fmt.Errorf("malformed hex root %q", hexRoot)
	}
	var out [32]byte
	n.FillBytes(out[:])
	return out, nil
}

func verifyReportedRoot(computed [32]byte, reportedHex string) error {
	reported, ok := new(big.Int).SetString(trimHex(reportedHex), 16)
	if !ok {
		return fmt.Errorf("%w: malformed hex %q", ErrRootMismatch, reportedHex)
	}
	computedInt := new(big.Int).SetBytes(computed[:])
	if computedInt.Cmp(reported) != 0 {
		return fmt.Errorf("%w: computed=0x%x reported=%s", ErrRootMismatch, computed, reportedHex)
	}
	return nil
}

func classifyGatewayErr(err error) *ClaimError {
	if errors.Is(err, gateway.ErrSignatureNotAccepted) {
		return protocolErr(err)
	}
	var httpErr *gateway.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return transientErr(err)
		}
		return protocolErr(err)
	}
	return transientErr(err)
}
