package token

import "errors"

var (
	// ErrInvalidToken is the single outcome for every rejected retry
	// token. Malformed input, authentication failure, address
	// mismatch, a bad CID length and expiry all collapse into it so
	// that rejection responses carry no oracle about which check
	// failed.
	ErrInvalidToken = errors.New("invalid retry token")

	// ErrDerivation reports a failure inside the key derivation step.
	// Unlike ErrInvalidToken it does not involve attacker-controlled
	// branching and may be logged as an internal fault.
	ErrDerivation = errors.New("token key derivation failed")

	ErrSeal              = errors.New("token seal failed")
	ErrPlaintextTooLarge = errors.New("token plaintext exceeds cap")
	ErrTokenTooLong      = errors.New("retry token exceeds cap")
	ErrRetryEncode       = errors.New("retry packet encoding failed")
	ErrNoRetryWriter     = errors.New("no retry writer configured")
	ErrBadSecretLen      = errors.New("secret must be 32 bytes")
	ErrBadCIDLen         = errors.New("connection ID length out of range")
)
