// Package auth authenticates moderation requests with EIP-191 wallet
// signatures. Callers sign a short-lived JSON envelope client-side; the
// middleware recovers the signer, burns the envelope nonce and, for admin
// routes, checks the signer against the configured allowlist.
package auth

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const personalSignPrefix = "\x19Ethereum Signed Message:\n"

var errSignatureLength = errors.New("signature must be 65 bytes")

// HashMessage returns the personal-sign digest of msg, the same hash a
// wallet produces for a personal_sign request over the raw envelope bytes.
func HashMessage(msg []byte) []byte {
	return crypto.Keccak256([]byte(personalSignPrefix+strconv.Itoa(len(msg))), msg)
}

// Recover returns the address that personal-signed msg. sig is the 65-byte
// R||S||V form; V is accepted as 27/28 (wallet convention) or raw 0/1.
func Recover(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errSignatureLength
	}
	rsv := make([]byte, len(sig))
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}
	pub, err := crypto.SigToPub(HashMessage(msg), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
