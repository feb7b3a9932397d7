// Package wire encodes outbound retry packets in the QUIC v1/v2
// long-header format, including the retry integrity tag.
package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/0x4D31/shrike/pkg/token"
)

const (
	// Version1 and Version2 are the wire versions the encoder speaks.
	Version1 = uint32(0x00000001)
	Version2 = uint32(0x6b3343cf)

	// IntegrityTagLen is the length of the retry integrity tag.
	IntegrityTagLen = 16
)

// RFC 9001 section 5.8 and RFC 9369 section 3.3.3 fix the key and
// nonce used for the retry integrity tag.
var (
	retryKeyV1   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryNonceV1 = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
	retryKeyV2   = []byte{0x8f, 0xb4, 0xb0, 0x1b, 0x56, 0xac, 0x48, 0xe2, 0x60, 0xfb, 0xcb, 0xce, 0xad, 0x7c, 0xcc, 0x92}
	retryNonceV2 = []byte{0xd8, 0x69, 0x69, 0xbc, 0x2d, 0x7c, 0x6d, 0x99, 0x90, 0xef, 0xb0, 0x4a}

	ErrVersion = errors.New("unsupported wire version")
)

// Writer encodes retry packets. The zero value is ready to use and
// satisfies token.RetryWriter.
type Writer struct{}

// WriteRetry encodes a retry packet. dcid and scid become the header
// CID fields; odcid is the original destination CID covered by the
// integrity tag.
func (Writer) WriteRetry(version uint32, dcid, scid, odcid token.CID, tok []byte) ([]byte, error) {
	var key, nonce []byte
	var first byte
	switch version {
	case Version1:
		key, nonce = retryKeyV1, retryNonceV1
		first = 0xF0
	case Version2:
		key, nonce = retryKeyV2, retryNonceV2
		first = 0xC0
	default:
		return nil, fmt.Errorf("%w: 0x%08x", ErrVersion, version)
	}
	for _, cid := range []token.CID{dcid, scid, odcid} {
		if len(cid) > token.MaxCIDLen {
			return nil, token.ErrBadCIDLen
		}
	}

	b := make([]byte, 0, 7+len(dcid)+len(scid)+len(tok)+IntegrityTagLen)
	b = append(b, first)
	b = binary.BigEndian.AppendUint32(b, version)
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	b = append(b, tok...)

	tag, err := integrityTag(key, nonce, odcid, b)
	if err != nil {
		return nil, err
	}
	return append(b, tag...), nil
}

// VerifyRetryTag recomputes the integrity tag of a full retry packet
// against the original destination CID the packet answered.
func VerifyRetryTag(version uint32, odcid token.CID, pkt []byte) bool {
	if len(pkt) < IntegrityTagLen {
		return false
	}
	var key, nonce []byte
	switch version {
	case Version1:
		key, nonce = retryKeyV1, retryNonceV1
	case Version2:
		key, nonce = retryKeyV2, retryNonceV2
	default:
		return false
	}
	tag, err := integrityTag(key, nonce, odcid, pkt[:len(pkt)-IntegrityTagLen])
	if err != nil {
		return false
	}
	for i := range tag {
		if tag[i] != pkt[len(pkt)-IntegrityTagLen+i] {
			return false
		}
	}
	return true
}

// integrityTag seals an empty plaintext over the retry pseudo-packet:
// the odcid length, the odcid, then the retry packet without its tag.
func integrityTag(key, nonce []byte, odcid token.CID, sansTag []byte) ([]byte, error) {
	pseudo := make([]byte, 0, 1+len(odcid)+len(sansTag))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, sansTag...)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, nil, pseudo), nil
}
