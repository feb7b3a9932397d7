package token

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Codec encodes and validates retry tokens for one listener secret.
//
// A token is self-contained: the server keeps no state between issuing
// it and seeing it again. The sealed plaintext carries the client
// address, the issue timestamp and the original destination CID; the
// random nonce used to derive the seal key rides along in the clear.
// Whoever holds the secret can validate the token later, so servers in
// a cluster must share the secret out of band or route retried
// packets back to the issuing instance.
//
// A Codec is safe for concurrent use; the secret is read-only after
// construction.
type Codec struct {
	secret Secret
	keyLen int
	skew   uint64
	cidLen int
	writer RetryWriter
}

// Option configures a Codec.
type Option func(*Codec)

// WithAEAD selects the sealing cipher: "aes" (AES-128-GCM, the
// default) or "chacha" (ChaCha20-Poly1305). Unknown values are
// ignored.
func WithAEAD(alg string) Option {
	return func(c *Codec) {
		switch alg {
		case "aes":
			c.keyLen = 16
		case "chacha":
			c.keyLen = 32
		}
	}
}

// WithClockSkew sets how far in the future (in clock units) a token
// timestamp may lie before validation rejects it. The default is 0:
// with a process-local monotonic clock a future timestamp can only be
// a forgery.
func WithClockSkew(units uint64) Option {
	return func(c *Codec) { c.skew = units }
}

// WithRetryCIDLen sets the length of the fresh server CID minted by
// BuildRetry. Values outside [MinCIDLen, MaxCIDLen] are ignored.
func WithRetryCIDLen(n int) Option {
	return func(c *Codec) {
		if n >= MinCIDLen && n <= MaxCIDLen {
			c.cidLen = n
		}
	}
}

// WithRetryWriter injects the wire encoder used by BuildRetry.
func WithRetryWriter(w RetryWriter) Option {
	return func(c *Codec) { c.writer = w }
}

// NewCodec returns a Codec sealing tokens under secret.
func NewCodec(secret Secret, opts ...Option) *Codec {
	c := &Codec{secret: secret, keyLen: 16, cidLen: DefaultRetryCIDLen}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Encode seals a retry token binding ocid to addr at time now. addr is
// the canonical byte encoding of the client address (see AddrBytes);
// now is a monotonic timestamp in the caller's clock units. The
// returned token is ciphertext‖tag‖nonce.
func (c *Codec) Encode(addr []byte, ocid CID, now uint64) ([]byte, error) {
	if !validCIDLen(len(ocid)) {
		return nil, ErrBadCIDLen
	}
	ptLen := len(addr) + TimestampLen + len(ocid)
	if ptLen > MaxPlaintext {
		return nil, ErrPlaintextTooLarge
	}
	pt := make([]byte, 0, ptLen)
	pt = append(pt, addr...)
	pt = binary.BigEndian.AppendUint64(pt, now)
	pt = append(pt, ocid...)

	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("draw token nonce: %w", err)
	}
	key, iv, err := deriveTokenKeys(c.secret, nonce, c.keyLen)
	if err != nil {
		return nil, ErrDerivation
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrSeal
	}
	ct := aead.Seal(nil, iv, pt, addr)
	return append(ct, nonce...), nil
}

// Decode opens tok for the given address and returns the original CID
// and issue timestamp sealed into it, with no freshness judgement. It
// is the forensic half of Validate: capture analysis wants the
// contents of a token whose window has long passed. The same uniform
// ErrInvalidToken covers every reject.
func (c *Codec) Decode(tok, addr []byte) (CID, uint64, error) {
	if len(tok) < NonceLen {
		return nil, 0, ErrInvalidToken
	}
	ct := tok[:len(tok)-NonceLen]
	nonce := tok[len(tok)-NonceLen:]

	key, iv, err := deriveTokenKeys(c.secret, nonce, c.keyLen)
	if err != nil {
		return nil, 0, ErrDerivation
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, 0, ErrDerivation
	}
	pt, err := aead.Open(nil, iv, ct, addr)
	if err != nil {
		return nil, 0, ErrInvalidToken
	}
	if len(pt) < len(addr)+TimestampLen {
		return nil, 0, ErrInvalidToken
	}
	cil := len(pt) - len(addr) - TimestampLen
	if cil != 0 && (cil < MinCIDLen || cil > MaxCIDLen) {
		return nil, 0, ErrInvalidToken
	}
	if !bytes.Equal(pt[:len(addr)], addr) {
		return nil, 0, ErrInvalidToken
	}
	t := binary.BigEndian.Uint64(pt[len(addr) : len(addr)+TimestampLen])
	return CID(pt[len(addr)+TimestampLen:]), t, nil
}

// Validate checks tok against the redeeming address and returns the
// original CID sealed into it. window and now share the clock units
// used at Encode time; a token is fresh while now <= issue + window.
//
// Validation fails closed: every adversarial reject (truncated or
// tampered token, wrong address, stale or future timestamp, bad CID
// length) returns ErrInvalidToken with nothing to distinguish the
// cause. Only ErrDerivation is reported separately, as it signals an
// internal fault rather than bad input.
func (c *Codec) Validate(tok, addr []byte, window, now uint64) (CID, error) {
	ocid, t, err := c.Decode(tok, addr)
	if err != nil {
		return nil, err
	}
	if t > now+c.skew {
		return nil, ErrInvalidToken
	}
	if now > t+window {
		return nil, ErrInvalidToken
	}
	return ocid, nil
}
