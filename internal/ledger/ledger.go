// Package ledger owns voucher records, their status transitions and the
// redemption accumulator. Submission runs the codec, the signature verifier
// and the merchant authorization gate before anything is persisted.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/voucherlabs/voucherd/internal/voucher"
)

// maxExactMint is the largest mint cap the accumulator can enforce exactly,
// the top of the contiguous integer range of a float64.
const maxExactMint = uint64(1) << 53

// AuthGate confirms that an address may issue vouchers on a chain.
// Satisfied by registry.Gate; decoupled here so ledger tests can use a mock.
type AuthGate interface {
	IsAuthorized(ctx context.Context, chainID int64, merchant common.Address) error
}

// Ledger is the voucher state machine over a Store.
type Ledger struct {
	store     *Store
	gate      AuthGate
	contracts map[int64]common.Address // chainId -> verifying contract
	log       *zap.Logger
	now       func() time.Time
}

func New(store *Store, gate AuthGate, contracts map[int64]common.Address, log *zap.Logger) *Ledger {
	return &Ledger{
		store:     store,
		gate:      gate,
		contracts: contracts,
		log:       log,
		now:       time.Now,
	}
}

// Submit validates, verifies and authorizes a signed voucher, then persists
// it as pending. Check order: codec (local, cheapest) -> signature ->
// registry (remote) -> atomic uniqueness insert.
func (l *Ledger) Submit(ctx context.Context, chainID int64, d *voucher.VoucherData, sig []byte) (*voucher.SignedVoucher, error) {
	contractAddr, ok := l.contracts[chainID]
	if !ok {
		// No fallback chain: an unconfigured chainId is rejected before any
		// cryptographic work.
		return nil, fmt.Errorf("%w: unknown chain id %d", voucher.ErrValidation, chainID)
	}

	if d.VoucherID == nil || d.Nonce == nil || d.Price == nil {
		return nil, fmt.Errorf("%w: voucherId, nonce and price are required", voucher.ErrValidation)
	}
	if d.MaxMint == 0 {
		return nil, fmt.Errorf("%w: maxMint must be positive", voucher.ErrValidation)
	}
	if d.MaxMint > maxExactMint {
		// The cap accumulator runs in Lua number (float64) space; above
		// 2^53 integer arithmetic loses exactness and the cap comparison
		// could mis-evaluate.
		return nil, fmt.Errorf("%w: maxMint exceeds %d", voucher.ErrValidation, maxExactMint)
	}
	if d.MetadataCID == "" {
		return nil, fmt.Errorf("%w: metadataCID is required", voucher.ErrValidation)
	}
	now := l.now().Unix()
	if d.Expiry <= now {
		return nil, fmt.Errorf("%w: expiry must be in the future", voucher.ErrValidation)
	}
	if derived := voucher.DeriveVoucherID(d.Merchant, d.Nonce); d.VoucherID.Cmp(derived) != 0 {
		return nil, fmt.Errorf("%w: voucherId does not match keccak256(merchant:nonce)", voucher.ErrValidation)
	}

	if _, err := voucher.Verify(d, sig, big.NewInt(chainID), contractAddr); err != nil {
		return nil, err
	}
	if err := l.gate.IsAuthorized(ctx, chainID, d.Merchant); err != nil {
		return nil, err
	}

	rec := &voucher.SignedVoucher{
		VoucherData: *d,
		Signature:   sig,
		ChainID:     chainID,
		Status:      voucher.StatusPending,
		CreatedAt:   now,
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	l.log.Info("voucher submitted",
		zap.String("voucher", rec.ID()),
		zap.String("merchant", strings.ToLower(d.Merchant.Hex())),
		zap.Int64("chain_id", chainID),
		zap.Uint64("max_mint", d.MaxMint),
	)
	return rec, nil
}

// Approve moves a pending voucher to approved, recording the on-chain
// approval transaction.
func (l *Ledger) Approve(ctx context.Context, id, txHash string) (*voucher.SignedVoucher, error) {
	if txHash == "" {
		return nil, fmt.Errorf("%w: txHash is required", voucher.ErrValidation)
	}
	rec, err := l.store.Approve(ctx, id, txHash)
	if err != nil {
		return nil, err
	}
	l.log.Info("voucher approved", zap.String("voucher", id), zap.String("tx", txHash))
	return rec, nil
}

// Reject moves a pending voucher to rejected with optional notes.
func (l *Ledger) Reject(ctx context.Context, id, notes string) (*voucher.SignedVoucher, error) {
	rec, err := l.store.Reject(ctx, id, notes)
	if err != nil {
		return nil, err
	}
	l.log.Info("voucher rejected", zap.String("voucher", id))
	return rec, nil
}

// RedeemResult is the outcome of a successful redemption.
type RedeemResult struct {
	NewTotal uint64
	Status   voucher.Status
	Entry    voucher.RedemptionEntry
}

// Redeem appends a redemption against an approved voucher. The cap check and
// the append are one atomic store operation; callers racing on the last
// units see ErrCapExceeded, and exactly one caller can observe the flip to
// redeemed.
func (l *Ledger) Redeem(ctx context.Context, id string, redeemer common.Address, amount uint64, txHash string) (*RedeemResult, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", voucher.ErrValidation)
	}
	if txHash == "" {
		return nil, fmt.Errorf("%w: txHash is required", voucher.ErrValidation)
	}

	now := l.now().Unix()
	entry := voucher.RedemptionEntry{
		Redeemer:   strings.ToLower(redeemer.Hex()),
		Amount:     amount,
		TxHash:     txHash,
		RedeemedAt: now,
	}
	total, status, err := l.store.AppendRedemptionIfUnderCap(ctx, id, entry, now)
	if err != nil {
		return nil, err
	}

	l.log.Info("voucher redeemed",
		zap.String("voucher", id),
		zap.String("redeemer", entry.Redeemer),
		zap.Uint64("amount", amount),
		zap.Uint64("total", total),
		zap.String("status", string(status)),
	)
	return &RedeemResult{NewTotal: total, Status: status, Entry: entry}, nil
}

// Get returns a single voucher with its redemption log.
func (l *Ledger) Get(ctx context.Context, id string) (*voucher.SignedVoucher, error) {
	return l.store.Get(ctx, id)
}

// List returns vouchers matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*voucher.SignedVoucher, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", voucher.ErrValidation, f.Status)
	}
	return l.store.List(ctx, f)
}

// SetMinted records the externally observed on-chain minted tally.
func (l *Ledger) SetMinted(ctx context.Context, id string, minted uint64) error {
	return l.store.SetMinted(ctx, id, minted)
}
