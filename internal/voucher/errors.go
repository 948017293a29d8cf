package voucher

import "errors"

// Error taxonomy shared by the ledger, the authorization gate, and the HTTP
// layer. All are terminal, user-visible failures; the engine never retries
// them internally. Wrap with fmt.Errorf("...: %w", Err...) and compare with
// errors.Is.
var (
	// ErrValidation marks malformed or missing input fields.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidSignature marks a cryptographic mismatch between the
	// declared merchant and the recovered signer.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrNotAuthorized marks a merchant-registry denial. Registry errors
	// (timeout, unknown chain) map here too: authorization fails closed.
	ErrNotAuthorized = errors.New("not an authorized merchant")
	// ErrDuplicateVoucher marks an identity collision on voucherId or nonce.
	ErrDuplicateVoucher = errors.New("voucher already exists")
	// ErrNotFound marks an unknown voucher or merchant-request id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition marks a state-machine violation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCapExceeded marks a redemption that would push the accumulated
	// total past maxMint.
	ErrCapExceeded = errors.New("redemption exceeds max mint")
	// ErrExpired marks a redemption attempted at or after expiry.
	ErrExpired = errors.New("voucher expired")
)
