package voucher

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP-712 domain constants. These must match the values used by the signing
// wallet exactly; they are part of the wire contract.
const (
	DomainName    = "VoucherERC1155"
	DomainVersion = "1"
)

// voucherTypeHash fixes the field order of the signed struct. Changing the
// order or any type invalidates every previously issued signature.
var voucherTypeHash = crypto.Keccak256Hash([]byte(
	"VoucherData(uint256 voucherId,address merchant,uint256 maxMint,uint256 expiry,bytes32 metadataHash,string metadataCID,uint256 price,uint256 nonce)",
))

// DeriveVoucherID computes the canonical voucherId for a (merchant, nonce)
// pair: keccak256 of the UTF-8 string "{merchant}:{nonce}" with the merchant
// address lower-cased. Deterministic; uniqueness holds only as far as the
// nonce is unique per merchant.
func DeriveVoucherID(merchant common.Address, nonce *big.Int) *big.Int {
	seed := strings.ToLower(merchant.Hex()) + ":" + nonce.String()
	h := crypto.Keccak256Hash([]byte(seed))
	return new(big.Int).SetBytes(h[:])
}

// HashMetadata hashes the canonical JSON serialization of the voucher
// metadata. The caller owns the serialization contract: the same bytes must
// be hashed on the signing and the verifying side, whitespace included.
func HashMetadata(raw []byte) common.Hash {
	return crypto.Keccak256Hash(raw)
}

// domainSeparator computes the EIP-712 domain separator.
func domainSeparator(chainID *big.Int, contractAddr common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte(DomainName))
	versionHash := crypto.Keccak256Hash([]byte(DomainVersion))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	// Each element occupies a 32-byte slot; addresses are right-aligned.
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], contractAddr.Bytes())

	return crypto.Keccak256Hash(encoded)
}

// Digest computes the final EIP-712 signing digest for a VoucherData under
// the given domain parameters.
func Digest(d *VoucherData, chainID *big.Int, contractAddr common.Address) [32]byte {
	// structHash = keccak256(typeHash || abi.encode(fields))
	// Dynamic types (the CID string) are encoded as the keccak of their
	// contents, per EIP-712.
	encoded := make([]byte, 9*32)
	copy(encoded[0:32], voucherTypeHash[:])
	d.VoucherID.FillBytes(encoded[32:64])
	copy(encoded[76:96], d.Merchant.Bytes())
	new(big.Int).SetUint64(d.MaxMint).FillBytes(encoded[96:128])
	big.NewInt(d.Expiry).FillBytes(encoded[128:160])
	copy(encoded[160:192], d.MetadataHash[:])
	cidHash := crypto.Keccak256Hash([]byte(d.MetadataCID))
	copy(encoded[192:224], cidHash[:])
	d.Price.FillBytes(encoded[224:256])
	d.Nonce.FillBytes(encoded[256:288])

	structHash := crypto.Keccak256Hash(encoded)
	sep := domainSeparator(chainID, contractAddr)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign produces a 65-byte signature over the voucher's EIP-712 digest.
// Used by the merchant-side tooling and by tests; the server never signs.
func Sign(d *VoucherData, privKey *ecdsa.PrivateKey, chainID *big.Int, contractAddr common.Address) ([]byte, error) {
	digest := Digest(d, chainID, contractAddr)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return nil, err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	return sig, nil
}

// Verify recovers the signer of sig over the voucher's EIP-712 digest and
// checks it against the declared merchant. Pure and deterministic: identical
// inputs always produce the same result. A chainId or contract mismatch
// changes the digest and therefore fails; there is no fallback domain.
func Verify(d *VoucherData, sig []byte, chainID *big.Int, contractAddr common.Address) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	digest := Digest(d, chainID, contractAddr)

	// Normalize V: wallets emit 27/28, ecrecover expects 0/1.
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), d.Merchant.Hex()) {
		return recovered, fmt.Errorf("%w: recovered %s, declared %s",
			ErrInvalidSignature, recovered.Hex(), d.Merchant.Hex())
	}
	return recovered, nil
}
