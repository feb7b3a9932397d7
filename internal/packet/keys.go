package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Initial salts, RFC 9001 section 5.2 and RFC 9369 section 3.3.1.
var (
	initialSaltV1 = []byte{0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a}
	initialSaltV2 = []byte{0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93, 0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb, 0xf9, 0xbd, 0x2e, 0xd9}
)

func initialSalt(version uint32) ([]byte, error) {
	switch version {
	case Version1:
		return initialSaltV1, nil
	case Version2:
		return initialSaltV2, nil
	}
	return nil, fmt.Errorf("%w 0x%08x", ErrUnsupportedVersion, version)
}

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

// initialKeys derives the client's Initial protection keys from the
// destination CID of the first flight.
func initialKeys(dcid, salt []byte, version uint32, keyLen int) (key, iv, hp []byte, err error) {
	if keyLen != 16 && keyLen != 32 {
		keyLen = 16
	}
	initialSecret := hkdf.Extract(sha256.New, dcid, salt)
	clientSecret, err := hkdfExpandLabel(initialSecret, "client in", sha256.Size)
	if err != nil {
		return nil, nil, nil, err
	}

	keyLabel, ivLabel, hpLabel := "quic key", "quic iv", "quic hp"
	if version == Version2 {
		keyLabel, ivLabel, hpLabel = "quicv2 key", "quicv2 iv", "quicv2 hp"
	}

	if key, err = hkdfExpandLabel(clientSecret, keyLabel, keyLen); err != nil {
		return nil, nil, nil, err
	}
	if iv, err = hkdfExpandLabel(clientSecret, ivLabel, 12); err != nil {
		return nil, nil, nil, err
	}
	if hp, err = hkdfExpandLabel(clientSecret, hpLabel, keyLen); err != nil {
		return nil, nil, nil, err
	}
	return
}

func protectionMask(hpKey, sample []byte, alg string) []byte {
	switch alg {
	case "aes":
		block, _ := aes.NewCipher(hpKey)
		mask := make([]byte, block.BlockSize())
		block.Encrypt(mask, sample)
		return mask[:5]
	case "chacha":
		// RFC 9001 section 5.4.3: the mask is 5 bytes for ChaCha20
		// too, with the sample split into counter and nonce.
		counter := binary.LittleEndian.Uint32(sample[:4])
		c, _ := chacha20.NewUnauthenticatedCipher(hpKey, sample[4:16])
		c.SetCounter(counter)
		mask := make([]byte, 5)
		c.XORKeyStream(mask, mask)
		return mask
	}
	return nil
}

func applyMask(first *byte, pn []byte, mask []byte) {
	if len(mask) == 0 {
		return
	}
	*first ^= mask[0] & 0x0f
	for i := range pn {
		pn[i] ^= mask[i+1]
	}
}

func unprotectHeader(first *byte, pn []byte, hpKey, sample []byte, alg string) {
	applyMask(first, pn, protectionMask(hpKey, sample, alg))
}

// pnLength reads the packet number length from an unprotected first
// byte. The two low bits encode length-1 in both v1 and v2.
func pnLength(first, mask0 byte) int {
	return int((first^(mask0&0x0f))&0x03) + 1
}

func decodePN(b []byte) uint64 {
	var pn uint64
	for _, x := range b {
		pn = pn<<8 | uint64(x)
	}
	return pn
}

// expandPN widens a truncated packet number against the highest number
// seen on the connection, RFC 9000 appendix A.3.
func expandPN(trunc uint64, pnLen int, highest uint64) uint64 {
	expected := highest + 1
	pnWin := uint64(1) << (pnLen * 8)
	pnHWin := pnWin / 2
	pnMask := pnWin - 1
	candidate := (expected & ^pnMask) | trunc
	if candidate+pnHWin <= expected {
		candidate += pnWin
	} else if candidate > expected+pnHWin {
		candidate -= pnWin
	}
	return candidate
}

// openInitial decrypts an Initial payload. The nonce is the IV XORed
// with the full packet number, right aligned.
func openInitial(key, iv []byte, pn uint64, header, payload []byte) ([]byte, error) {
	var aead cipher.AEAD
	var err error
	switch len(key) {
	case 16:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
	case 32:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	pnBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(pnBytes, pn)
	for i := 0; i < len(nonce) && i < len(pnBytes); i++ {
		nonce[len(nonce)-1-i] ^= pnBytes[len(pnBytes)-1-i]
	}
	return aead.Open(nil, nonce, payload, header)
}
