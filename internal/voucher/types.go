package voucher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the ledger state of a stored voucher.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusRedeemed Status = "redeemed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusRedeemed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusRedeemed:
		return true
	}
	return false
}

// VoucherData is the merchant-signed payload. It is immutable after creation;
// every field is part of the EIP-712 struct, in the order defined by
// voucherTypeHash.
type VoucherData struct {
	VoucherID    *big.Int       `json:"voucher_id"`
	Merchant     common.Address `json:"merchant"`
	MaxMint      uint64         `json:"max_mint"`
	Expiry       int64          `json:"expiry"`
	MetadataHash common.Hash    `json:"metadata_hash"`
	MetadataCID  string         `json:"metadata_cid"`
	Price        *big.Int       `json:"price"`
	Nonce        *big.Int       `json:"nonce"`
}

// ID returns the canonical record key: the voucherId as a fixed-width
// 0x-prefixed 32-byte hex string.
func (d *VoucherData) ID() string {
	return common.BigToHash(d.VoucherID).Hex()
}

// SignedVoucher is a VoucherData plus the merchant signature and the mutable
// ledger state. Only the ledger mutates it.
type SignedVoucher struct {
	VoucherData
	Signature     []byte            `json:"signature"`
	ChainID       int64             `json:"chain_id"`
	Status        Status            `json:"status"`
	ApprovedTx    string            `json:"approved_tx,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	Minted        uint64            `json:"minted"`
	RedeemedTotal uint64            `json:"redeemed_total"`
	CreatedAt     int64             `json:"created_at"`
	Redemptions   []RedemptionEntry `json:"redemptions,omitempty"`
}

// RedemptionEntry is one consumption event against a voucher's cap.
// Entries are append-only; they are never mutated or deleted.
type RedemptionEntry struct {
	Redeemer   string `json:"redeemer"` // lowercase hex address
	Amount     uint64 `json:"amount"`
	TxHash     string `json:"tx_hash"`
	RedeemedAt int64  `json:"redeemed_at"`
}
