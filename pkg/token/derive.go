package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

func hkdfExpandLabel(secret []byte, label string, l int) ([]byte, error) {
	b := make([]byte, 3, 3+6+len(label)+1)
	binary.BigEndian.PutUint16(b, uint16(l))
	b[2] = uint8(6 + len(label))
	b = append(b, []byte("tls13 ")...)
	b = append(b, []byte(label)...)
	b = append(b, 0)
	out := make([]byte, l)
	n, err := hkdf.Expand(sha256.New, secret, b).Read(out)
	if err != nil || n != l {
		return nil, fmt.Errorf("hkdf expand failed")
	}
	return out, nil
}

// deriveTokenKeys turns the listener secret and a per-token nonce into
// an AEAD key and IV. The nonce salts the extract step, so every token
// gets an independent key and collected tokens are useless for
// building a dictionary against a fixed one.
func deriveTokenKeys(secret Secret, nonce []byte, keyLen int) (key, iv []byte, err error) {
	prk := hkdf.Extract(sha256.New, secret[:], nonce)
	if key, err = hkdfExpandLabel(prk, "quic key", keyLen); err != nil {
		return nil, nil, err
	}
	if iv, err = hkdfExpandLabel(prk, "quic iv", 12); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	switch len(key) {
	case 16:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case 32:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
}
