// Package token implements address validation material for QUIC-like
// UDP servers: encrypted retry tokens bound to the client address,
// deterministic stateless reset tokens, and IPv6 flow labels, all
// derived from a per-listener secret.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"net/netip"
)

const (
	// SecretLen is the size of a listener's token secret.
	SecretLen = 32

	// NonceLen is the length of the random block appended to every
	// retry token. Each token is sealed under a key derived from its
	// own nonce, so harvesting tokens never yields two ciphertexts
	// under the same key.
	NonceLen = 16

	// MinCIDLen and MaxCIDLen bound non-empty connection ID lengths.
	// A zero-length CID is also valid.
	MinCIDLen = 1
	MaxCIDLen = 20

	// TimestampLen is the width of the issue timestamp embedded in a
	// retry token plaintext.
	TimestampLen = 8

	// MaxPlaintext caps the token plaintext (address + timestamp +
	// CID). Inputs above the cap are rejected rather than grown.
	MaxPlaintext = 4096

	// MaxRetryTokenLen caps the sealed token carried in a retry packet.
	MaxRetryTokenLen = 256

	// ResetTokenLen is the size of a stateless reset token.
	ResetTokenLen = 16

	// LabelMask keeps derived flow labels within the 20-bit IPv6 field.
	LabelMask = 0xFFFFF

	// DefaultRetryCIDLen is the length of the fresh server CID minted
	// for an outbound retry packet.
	DefaultRetryCIDLen = 18

	tagLen = 16
)

// Secret is a listener's long-term token secret. It is set once at
// listener startup and must be treated as read-only afterwards;
// concurrent readers need no locking.
type Secret [SecretLen]byte

// NewSecret draws a fresh random secret.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, err
	}
	return s, nil
}

// SecretFromBytes copies b into a Secret. b must be exactly SecretLen
// bytes.
func SecretFromBytes(b []byte) (Secret, error) {
	var s Secret
	if len(b) != SecretLen {
		return Secret{}, ErrBadSecretLen
	}
	copy(s[:], b)
	return s, nil
}

// ParseSecret decodes a hex-encoded secret.
func ParseSecret(s string) (Secret, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Secret{}, ErrBadSecretLen
	}
	return SecretFromBytes(b)
}

// CID is a connection ID. Zero length is allowed; non-empty CIDs must
// be between MinCIDLen and MaxCIDLen bytes.
type CID []byte

// String returns the CID as lowercase hex.
func (c CID) String() string { return hex.EncodeToString(c) }

// NewRandomCID draws a random CID of length n.
func NewRandomCID(n int) (CID, error) {
	if n < MinCIDLen || n > MaxCIDLen {
		return nil, ErrBadCIDLen
	}
	c := make(CID, n)
	if _, err := rand.Read(c); err != nil {
		return nil, err
	}
	return c, nil
}

func validCIDLen(n int) bool {
	return n == 0 || (n >= MinCIDLen && n <= MaxCIDLen)
}

// AddrBytes returns the canonical encoding of ap used for token
// binding: the raw IP bytes (4 for IPv4, 16 for IPv6, mapped
// addresses unmapped first) followed by the port in big-endian. Two
// addresses are the same endpoint iff their encodings are
// byte-identical.
func AddrBytes(ap netip.AddrPort) []byte {
	addr := ap.Addr().Unmap()
	var b []byte
	if addr.Is4() {
		a := addr.As4()
		b = append(b, a[:]...)
	} else {
		a := addr.As16()
		b = append(b, a[:]...)
	}
	return binary.BigEndian.AppendUint16(b, ap.Port())
}
