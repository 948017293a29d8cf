package voucher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TypedDataField is one entry of an EIP-712 type definition.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TypedDataDomain is the EIP-712 domain block.
type TypedDataDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// TypedData is the full eth_signTypedData_v4 request body. Clients sign
// exactly this document; the server recomputes the same digest from it.
type TypedData struct {
	Domain      TypedDataDomain             `json:"domain"`
	Types       map[string][]TypedDataField `json:"types"`
	PrimaryType string                      `json:"primaryType"`
	Message     map[string]any              `json:"message"`
}

// BuildTypedData assembles the wallet-facing typed-data document for a
// voucher. The field order matches voucherTypeHash.
func BuildTypedData(chainID int64, contractAddr common.Address, d *VoucherData) TypedData {
	return TypedData{
		Domain: TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainID:           chainID,
			VerifyingContract: contractAddr.Hex(),
		},
		Types: map[string][]TypedDataField{
			"VoucherData": {
				{Name: "voucherId", Type: "uint256"},
				{Name: "merchant", Type: "address"},
				{Name: "maxMint", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
				{Name: "metadataHash", Type: "bytes32"},
				{Name: "metadataCID", Type: "string"},
				{Name: "price", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "VoucherData",
		Message: map[string]any{
			"voucherId":    d.VoucherID.String(),
			"merchant":     d.Merchant.Hex(),
			"maxMint":      new(big.Int).SetUint64(d.MaxMint).String(),
			"expiry":       big.NewInt(d.Expiry).String(),
			"metadataHash": d.MetadataHash.Hex(),
			"metadataCID":  d.MetadataCID,
			"price":        d.Price.String(),
			"nonce":        d.Nonce.String(),
		},
	}
}
