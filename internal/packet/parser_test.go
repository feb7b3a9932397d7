package packet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const helloFixtureHex = "1603010077010000730303a4b9f667f45a582a22e99360a97e87de5d3e2cbfe9a524b16ba423473d0a8a1d20e66b3ad64af1bf659ef90b50353f446932b385955ceddeee672ca7e820de025a0026c02bc02fc02cc030cca9cca8c009c013c00ac014009c009d002f0035c012000a1301130213030100000400390000"

var testDCID = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

func hexToBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func encodeVarInt(v uint64) []byte {
	switch {
	case v < 64:
		return []byte{byte(v)}
	case v < 16384:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 1073741824:
		return []byte{byte(0x80 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0xC0 | (v >> 56)), byte(v >> 48), byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// sealInitial builds a protected Initial carrying one CRYPTO frame
// with data at the given stream offset. pn must be reconstructible by
// the receiver from its current state.
func sealInitial(t *testing.T, version uint32, pnLen int, dcid []byte, off, pn uint64, data []byte) []byte {
	t.Helper()
	plain := []byte{0x06}
	plain = append(plain, encodeVarInt(off)...)
	plain = append(plain, encodeVarInt(uint64(len(data)))...)
	plain = append(plain, data...)

	pnBytes := make([]byte, pnLen)
	for i := 0; i < pnLen; i++ {
		pnBytes[pnLen-1-i] = byte(pn >> (8 * i))
	}
	first := byte(0xc0) | byte(pnLen-1)
	if version == Version2 {
		first |= 0x10
	}

	header := []byte{first}
	header = binary.BigEndian.AppendUint32(header, version)
	header = append(header, byte(len(dcid)))
	header = append(header, dcid...)
	header = append(header, 0x00) // empty SCID
	header = append(header, 0x00) // empty token
	header = append(header, encodeVarInt(uint64(len(plain)+pnLen+16))...)
	header = append(header, pnBytes...)

	salt, err := initialSalt(version)
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	key, iv, hp, err := initialKeys(dcid, salt, version, 16)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	pnTmp := make([]byte, 8)
	binary.BigEndian.PutUint64(pnTmp, pn)
	for i := 0; i < len(nonce) && i < len(pnTmp); i++ {
		nonce[len(nonce)-1-i] ^= pnTmp[len(pnTmp)-1-i]
	}
	payload := aead.Seal(nil, nonce, plain, header)

	sample := payload[4-pnLen : 4-pnLen+16]
	firstMasked := first
	pnMasked := append([]byte(nil), pnBytes...)
	unprotectHeader(&firstMasked, pnMasked, hp, sample, "aes")

	packet := append([]byte{firstMasked}, header[1:len(header)-pnLen]...)
	packet = append(packet, pnMasked...)
	packet = append(packet, payload...)
	return packet
}

func sealHello(t *testing.T, version uint32, pnLen int, ch []byte) []byte {
	t.Helper()
	pn := uint64(0x11223344) & (uint64(1)<<(8*pnLen) - 1)
	return sealInitial(t, version, pnLen, testDCID, 0, pn, ch)
}

func helloRecord(ch []byte) []byte {
	rec := make([]byte, 5+len(ch))
	rec[0] = 0x16
	rec[1] = 0x03
	rec[2] = 0x01
	binary.BigEndian.PutUint16(rec[3:5], uint16(len(ch)))
	copy(rec[5:], ch)
	return rec
}

func newTestParser(t *testing.T, opts ...Option) *Parser {
	t.Helper()
	p := NewParser(opts...)
	t.Cleanup(p.Close)
	return p
}

func countStates(p *Parser) int {
	n := 0
	p.states.Range(func(k, v any) bool { n++; return true })
	return n
}

func TestInitialKeysV1RFC9001(t *testing.T) {
	dcid := hexToBytes(t, "8394c8f03e515708")
	key, iv, hp, err := initialKeys(dcid, initialSaltV1, Version1, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, hexToBytes(t, "1f369613dd76d5467730efcbe3b1a22d")) {
		t.Fatalf("key mismatch: got %x", key)
	}
	if !bytes.Equal(iv, hexToBytes(t, "fa044b2f42a3fd3b46fb255c")) {
		t.Fatalf("iv mismatch: got %x", iv)
	}
	if !bytes.Equal(hp, hexToBytes(t, "9f50449e04a0e810283a1e9933adedd2")) {
		t.Fatalf("hp mismatch: got %x", hp)
	}
}

func TestInitialKeysV2RFC9369(t *testing.T) {
	dcid := hexToBytes(t, "8394c8f03e515708")
	key, iv, hp, err := initialKeys(dcid, initialSaltV2, Version2, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, hexToBytes(t, "8b1a0bc121284290a29e0971b5cd045d")) {
		t.Fatalf("key mismatch: got %x", key)
	}
	if !bytes.Equal(iv, hexToBytes(t, "91f73e2351d8fa91660e909f")) {
		t.Fatalf("iv mismatch: got %x", iv)
	}
	if !bytes.Equal(hp, hexToBytes(t, "45b95e15235d6f45a6b19cbcb0294ba9")) {
		t.Fatalf("hp mismatch: got %x", hp)
	}
}

func TestOpenInitialNonce(t *testing.T) {
	key := hexToBytes(t, "000102030405060708090a0b0c0d0e0f")
	iv := hexToBytes(t, "101112131415161718191a1b")
	pn := uint64(0xdecaf)
	header := []byte{0x01, 0x02, 0x03}
	plain := []byte("shrike")

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("gcm: %v", err)
	}
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	pnBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(pnBytes, pn)
	for i := 0; i < len(nonce) && i < len(pnBytes); i++ {
		nonce[len(nonce)-1-i] ^= pnBytes[len(pnBytes)-1-i]
	}
	payload := aead.Seal(nil, nonce, plain, header)

	out, err := openInitial(key, iv, pn, header, payload)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatalf("plaintext mismatch: got %x want %x", out, plain)
	}
}

func TestExtractClientHelloPNLengths(t *testing.T) {
	ch := []byte{0x01, 0x00, 0x00, 0x03, 0x01, 0x02, 0x03}
	for _, version := range []uint32{Version1, Version2} {
		for pnLen := 1; pnLen <= 4; pnLen++ {
			t.Run(fmt.Sprintf("ver%08x_pn%d", version, pnLen), func(t *testing.T) {
				p := newTestParser(t)
				rec, err := p.ExtractClientHello(sealHello(t, version, pnLen, ch))
				if err != nil {
					t.Fatalf("extract: %v", err)
				}
				if !bytes.Equal(rec, helloRecord(ch)) {
					t.Fatalf("mismatch: got %x want %x", rec, helloRecord(ch))
				}
			})
		}
	}
}

func TestPNLengthAndExpand(t *testing.T) {
	ch := []byte{0x01, 0x00, 0x00, 0x03, 0x01, 0x02, 0x03}
	pnVal := uint64(0x11223344)
	for _, version := range []uint32{Version1, Version2} {
		for pnLen := 1; pnLen <= 4; pnLen++ {
			t.Run(fmt.Sprintf("ver%08x_pn%d", version, pnLen), func(t *testing.T) {
				packet := sealInitial(t, version, pnLen, testDCID, 0, pnVal, ch)
				hdr, err := ParseHeader(packet)
				if err != nil {
					t.Fatalf("parse: %v", err)
				}
				sample := packet[hdr.pnOff+4 : hdr.pnOff+4+16]
				salt, _ := initialSalt(version)
				_, _, hp, err := initialKeys(testDCID, salt, version, 16)
				if err != nil {
					t.Fatalf("derive keys: %v", err)
				}
				mask := protectionMask(hp, sample, "aes")
				if got := pnLength(packet[0], mask[0]); got != pnLen {
					t.Fatalf("pnLength=%d want %d", got, pnLen)
				}
				first := packet[0]
				pnBytes := append([]byte(nil), packet[hdr.pnOff:hdr.pnOff+4]...)
				applyMask(&first, pnBytes[:pnLen], mask)
				trunc := decodePN(pnBytes[:pnLen])
				if full := expandPN(trunc, pnLen, pnVal-1); full != pnVal {
					t.Fatalf("expandPN=%x want %x", full, pnVal)
				}
			})
		}
	}
}

func TestHeaderProtectionRoundTrip(t *testing.T) {
	hpKey := hexToBytes(t, "9f50449e04a0e810283a1e9933adedd2")
	sample := hexToBytes(t, "d1b1c98dd7689fb8ec11d242b123dc9b")
	first := byte(0xc3)
	pn := []byte{0xa1, 0xb2, 0xc3, 0xd4}
	orig := append([]byte(nil), pn...)

	unprotectHeader(&first, pn, hpKey, sample, "aes")
	unprotectHeader(&first, pn, hpKey, sample, "aes")
	if first != 0xc3 || !bytes.Equal(pn, orig) {
		t.Fatalf("mask not an involution: %02x %x", first, pn)
	}
}

func TestExtractTruncatedPacket(t *testing.T) {
	// Header announces more payload than the datagram carries.
	packet := []byte{0xc3}
	packet = binary.BigEndian.AppendUint32(packet, Version1)
	packet = append(packet, byte(len(testDCID)))
	packet = append(packet, testDCID...)
	packet = append(packet, 0x00, 0x00, 25)
	packet = append(packet, bytes.Repeat([]byte{0}, 10)...)
	p := newTestParser(t)
	if _, err := p.ExtractClientHello(packet); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestExtractShortPayload(t *testing.T) {
	// Payload too small to contain a sample.
	packet := []byte{0xc3}
	packet = binary.BigEndian.AppendUint32(packet, Version1)
	packet = append(packet, byte(len(testDCID)))
	packet = append(packet, testDCID...)
	packet = append(packet, 0x00, 0x00, 19)
	packet = append(packet, bytes.Repeat([]byte{0}, 19)...)
	p := newTestParser(t)
	if _, err := p.ExtractClientHello(packet); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestExtractFixedBitCleared(t *testing.T) {
	packet := sealHello(t, Version1, 4, []byte{0x01})
	packet[0] &^= 0x40
	p := newTestParser(t)
	_, err := p.ExtractClientHello(packet)
	if err == nil || err.Error() != "fixed bit not set" {
		t.Fatalf("expected fixed bit error, got %v", err)
	}
}

// corruptReservedBits unmasks the first byte, sets the reserved bits
// and reapplies protection.
func corruptReservedBits(t *testing.T, packet []byte) []byte {
	t.Helper()
	hdr, err := ParseHeader(packet)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sample := packet[hdr.pnOff+4 : hdr.pnOff+4+16]
	salt, err := initialSalt(hdr.Version)
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	_, _, hp, err := initialKeys(hdr.DCID, salt, hdr.Version, 16)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	m := protectionMask(hp, sample, "aes")
	pnLen := pnLength(packet[0], m[0])
	first := packet[0]
	pnBytes := append([]byte(nil), packet[hdr.pnOff:hdr.pnOff+pnLen]...)
	applyMask(&first, pnBytes, m)
	first |= 0x0c
	applyMask(&first, pnBytes, m)
	out := append([]byte(nil), packet...)
	out[0] = first
	copy(out[hdr.pnOff:], pnBytes)
	return out
}

func TestExtractReservedBits(t *testing.T) {
	ch := []byte{0x01, 0x00, 0x00, 0x03, 0x01, 0x02, 0x03}
	for _, version := range []uint32{Version1, Version2} {
		t.Run(fmt.Sprintf("ver%08x", version), func(t *testing.T) {
			p := newTestParser(t)
			packet := sealHello(t, version, 4, ch)
			if _, err := p.ExtractClientHello(packet); err != nil {
				t.Fatalf("extract valid: %v", err)
			}
			_, err := p.ExtractClientHello(corruptReservedBits(t, packet))
			if err == nil || err.Error() != "reserved bits set" {
				t.Fatalf("expected reserved bits error, got %v", err)
			}
		})
	}
}

// dummyHandshake builds an unprotected Handshake packet; only its
// header has to parse.
func dummyHandshake(t *testing.T, version uint32, payloadLen int) []byte {
	t.Helper()
	first := byte(0xe3)
	if version == Version2 {
		first = 0xf3
	}
	pnBytes := []byte{0x11, 0x22, 0x33, 0x44}
	packet := []byte{first}
	packet = binary.BigEndian.AppendUint32(packet, version)
	packet = append(packet, byte(len(testDCID)))
	packet = append(packet, testDCID...)
	packet = append(packet, 0x00)
	packet = append(packet, encodeVarInt(uint64(len(pnBytes)+payloadLen))...)
	packet = append(packet, pnBytes...)
	packet = append(packet, bytes.Repeat([]byte{0}, payloadLen)...)
	return packet
}

func TestExtractCoalesced(t *testing.T) {
	ch := []byte{0x01, 0x00, 0x00, 0x02, 0x01, 0x02}

	t.Run("initial-first", func(t *testing.T) {
		p := newTestParser(t)
		datagram := append(sealHello(t, Version1, 4, ch), dummyHandshake(t, Version1, 10)...)
		rec, err := p.ExtractClientHello(datagram)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if !bytes.Equal(rec, helloRecord(ch)) {
			t.Fatalf("mismatch: got %x", rec)
		}
	})

	t.Run("handshake-first", func(t *testing.T) {
		p := newTestParser(t)
		datagram := append(dummyHandshake(t, Version1, 10), sealHello(t, Version1, 4, ch)...)
		rec, err := p.ExtractClientHello(datagram)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if !bytes.Equal(rec, helloRecord(ch)) {
			t.Fatalf("mismatch: got %x", rec)
		}
	})

	t.Run("short-header-first", func(t *testing.T) {
		p := newTestParser(t)
		datagram := append([]byte{0x40, 0x00, 0x00}, sealHello(t, Version1, 4, ch)...)
		rec, err := p.ExtractClientHello(datagram)
		if err != nil {
			t.Fatalf("extract: %v", err)
		}
		if !bytes.Equal(rec, helloRecord(ch)) {
			t.Fatalf("mismatch: got %x", rec)
		}
	})
}

func TestWalkFramesPaddingAndSplit(t *testing.T) {
	p := newTestParser(t)
	// PADDING around two CRYPTO frames covering a 4-byte message
	// header plus one body byte.
	data := []byte{
		0x00, 0x00,
		0x06, 0x00, 0x04, 0x01, 0x00, 0x00, 0x01,
		0x00,
		0x06, 0x04, 0x01, 0xaa,
	}
	ch, done, err := p.walkFrames([]byte{0xAA}, data)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if !done {
		t.Fatal("message not assembled")
	}
	exp := []byte{0x01, 0x00, 0x00, 0x01, 0xaa}
	if !bytes.Equal(ch, exp) {
		t.Fatalf("mismatch: got %x want %x", ch, exp)
	}
}

func TestWalkFramesStopsOnUnsupported(t *testing.T) {
	p := newTestParser(t)
	// An incomplete CRYPTO fragment followed by a frame type an
	// Initial cannot carry.
	data := []byte{
		0x06, 0x00, 0x01, 0xaa,
		0x08,
	}
	_, done, err := p.walkFrames([]byte{0xAB}, data)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if done {
		t.Fatal("unexpected completion")
	}
}

func TestWalkFramesOnlyPadding(t *testing.T) {
	p := newTestParser(t)
	if _, _, err := p.walkFrames([]byte{0xAC}, []byte{0x00, 0x00, 0x00}); !errors.Is(err, ErrNoCrypto) {
		t.Fatalf("expected ErrNoCrypto, got %v", err)
	}
}

func TestClientHelloSplitAcrossInitials(t *testing.T) {
	p := newTestParser(t)
	ch := make([]byte, 1162)
	ch[0] = 0x01
	ch[1] = 0x00
	ch[2] = 0x04
	ch[3] = 0x86
	for i := 4; i < len(ch); i++ {
		ch[i] = byte(i)
	}
	dcid := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11}
	p1 := sealInitial(t, Version1, 4, dcid, 0, 0x11223344, ch[:600])
	if _, err := p.ExtractClientHello(p1); !errors.Is(err, ErrNoCrypto) {
		t.Fatalf("expected ErrNoCrypto, got %v", err)
	}
	p2 := sealInitial(t, Version1, 4, dcid, 600, 0x11223345, ch[600:])
	rec, err := p.ExtractClientHello(p2)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(rec) != 5+len(ch) || rec[5] != 0x01 {
		t.Fatalf("record %d bytes, type %02x", len(rec), rec[5])
	}
}

func TestConnectionsIsolated(t *testing.T) {
	p := newTestParser(t)
	ch := make([]byte, 1162)
	ch[0] = 0x01
	ch[1] = 0x00
	ch[2] = 0x04
	ch[3] = 0x86
	for i := 4; i < len(ch); i++ {
		ch[i] = byte(i)
	}
	dcidA := bytes.Repeat([]byte{0x01}, 8)
	dcidB := bytes.Repeat([]byte{0x02}, 8)

	_, _ = p.ExtractClientHello(sealInitial(t, Version1, 4, dcidA, 0, 1, ch[:600]))
	_, _ = p.ExtractClientHello(sealInitial(t, Version1, 4, dcidB, 0, 1, ch[:600]))

	recB, err := p.ExtractClientHello(sealInitial(t, Version1, 4, dcidB, 600, 2, ch[600:]))
	if err != nil {
		t.Fatalf("extract B: %v", err)
	}
	if recB[5] != 0x01 {
		t.Fatalf("type B %02x", recB[5])
	}
	recA, err := p.ExtractClientHello(sealInitial(t, Version1, 4, dcidA, 600, 2, ch[600:]))
	if err != nil {
		t.Fatalf("extract A: %v", err)
	}
	if recA[5] != 0x01 {
		t.Fatalf("type A %02x", recA[5])
	}
}

func TestStateEvictedAfterParse(t *testing.T) {
	p := newTestParser(t)
	ch := make([]byte, 20)
	ch[0] = 0x01
	ch[1] = 0x00
	ch[2] = 0x00
	ch[3] = 0x10
	for i := 4; i < len(ch); i++ {
		ch[i] = byte(i)
	}
	dcid := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0x00, 0x01}
	if _, err := p.ExtractClientHello(sealInitial(t, Version1, 4, dcid, 0, 1, ch)); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if n := countStates(p); n != 0 {
		t.Fatalf("expected eviction, map size %d", n)
	}
}

func TestDuplicateFragmentsIgnored(t *testing.T) {
	p := newTestParser(t)
	rec := hexToBytes(t, helloFixtureHex)
	ch := rec[5:]
	dcid := []byte{0xca, 0xfe, 0xba, 0xbe, 0x00, 0x00, 0x00, 0x02}

	p1 := sealInitial(t, Version1, 4, dcid, 0, 1, ch[:50])
	if _, err := p.ExtractClientHello(p1); !errors.Is(err, ErrNoCrypto) {
		t.Fatalf("expected ErrNoCrypto, got %v", err)
	}
	if _, err := p.ExtractClientHello(p1); !errors.Is(err, ErrNoCrypto) {
		t.Fatalf("expected ErrNoCrypto on duplicate, got %v", err)
	}
	out, err := p.ExtractClientHello(sealInitial(t, Version1, 4, dcid, 50, 1, ch[50:]))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 5+len(ch) || out[5] != 0x01 {
		t.Fatalf("record %d bytes, type %02x", len(out), out[5])
	}
}

func TestTwoInitialsUpdatePN(t *testing.T) {
	p := newTestParser(t)
	rec := hexToBytes(t, helloFixtureHex)
	ch := rec[5:]
	dcid := []byte{0xca, 0xfe, 0xba, 0xbe, 0x00, 0x00, 0x00, 0x03}

	p1 := sealInitial(t, Version1, 1, dcid, 0, 0, ch[:50])
	p2 := sealInitial(t, Version1, 1, dcid, 50, 1, ch[50:])
	out, err := p.ExtractClientHello(append(p1, p2...))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(out) != 5+len(ch) || out[5] != 0x01 {
		t.Fatalf("record %d bytes, type %02x", len(out), out[5])
	}
}

func TestPacketNumberReconstruction(t *testing.T) {
	p := newTestParser(t)
	ch := []byte{0x01, 0x00, 0x00, 0x01, 0xaa}
	pnVal := uint64(0x259)
	packet := sealInitial(t, Version1, 1, testDCID, 0, pnVal, ch)
	p.state(testDCID).pn = pnVal - 1
	rec, err := p.ExtractClientHello(packet)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !bytes.Equal(rec, helloRecord(ch)) {
		t.Fatalf("mismatch: got %x", rec)
	}
}

func TestStateGC(t *testing.T) {
	p := newTestParser(t, WithStateLimit(1), WithStateTTL(time.Minute))
	old := p.state(bytes.Repeat([]byte{0xaa}, 8))
	old.ts = time.Now().Add(-p.stateTTL - time.Second)
	p.state(bytes.Repeat([]byte{0xbb}, 8))

	p.maybeGC()
	if n := countStates(p); n != 1 {
		t.Fatalf("expected 1 state after GC, got %d", n)
	}
}

// RFC 9001 appendix A.5 ChaCha20 short packet vectors.
func TestProtectionMaskChaCha(t *testing.T) {
	hpKey := hexToBytes(t, "25a282b9e82f06f21f488917a4fc8f1b73573685608597d0efcb076b0ab7a7a4")
	sample := hexToBytes(t, "5e5cd55c41f69080575d7999c25a5bfb")
	first := byte(0x4c)
	pn := []byte{0xfe, 0x41, 0x89}
	unprotectHeader(&first, pn, hpKey, sample, "chacha")
	if got := append([]byte{first}, pn...); !bytes.Equal(got, hexToBytes(t, "4200bff4")) {
		t.Fatalf("header mismatch: got %x", got)
	}
}

func TestOpenChaCha(t *testing.T) {
	key := hexToBytes(t, "c6d98ff3441c3fe1b2182094f69caa2ed4b716b65488960a7a984979fb23e1c8")
	iv := hexToBytes(t, "e0459b3474bdd0e44a41c144")
	hpKey := hexToBytes(t, "25a282b9e82f06f21f488917a4fc8f1b73573685608597d0efcb076b0ab7a7a4")
	packet := hexToBytes(t, "4cfe4189655e5cd55c41f69080575d7999c25a5bfb")

	first := packet[0]
	pn := append([]byte(nil), packet[1:4]...)
	sample := packet[5:21]
	unprotectHeader(&first, pn, hpKey, sample, "chacha")
	if hdr := append([]byte{first}, pn...); !bytes.Equal(hdr, hexToBytes(t, "4200bff4")) {
		t.Fatalf("header mismatch: %x", hdr)
	}

	plain, err := openInitial(key, iv, 654360564, append([]byte{first}, pn...), packet[4:])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(plain) == 0 || plain[0] != 0x01 {
		t.Fatalf("unexpected plaintext %x", plain)
	}
}

func FuzzProtectAndOpen(f *testing.F) {
	f.Add([]byte{0x01}, bytes.Repeat([]byte{0x5a}, 16))
	f.Fuzz(func(t *testing.T, b1, b2 []byte) {
		if len(b1) == 0 || len(b2) < 16 {
			return
		}
		keyLen := 16
		alg := "aes"
		if b1[0]&1 == 1 {
			keyLen = 32
			alg = "chacha"
		}
		hpKey := make([]byte, keyLen)
		copy(hpKey, b1)
		sample := make([]byte, 16)
		copy(sample, b2)
		first := byte(0x40)
		pn := []byte{0x01, 0x02, 0x03, 0x04}
		unprotectHeader(&first, pn, hpKey, sample, alg)
		unprotectHeader(&first, pn, hpKey, sample, alg)
		if first != 0x40 || !bytes.Equal(pn, []byte{0x01, 0x02, 0x03, 0x04}) {
			t.Fatal("mask not an involution")
		}

		key := make([]byte, keyLen)
		copy(key, b1)
		header := []byte{0x01}
		plain := []byte{0xaa}
		var aead cipher.AEAD
		var err error
		if keyLen == 16 {
			var block cipher.Block
			block, err = aes.NewCipher(key)
			if err != nil {
				t.Fatalf("cipher: %v", err)
			}
			aead, err = cipher.NewGCM(block)
		} else {
			aead, err = chacha20poly1305.New(key)
		}
		if err != nil {
			t.Fatalf("aead: %v", err)
		}
		nonce := make([]byte, 12)
		ct := aead.Seal(nil, nonce, plain, header)
		if _, err := openInitial(key, nonce, 0, header, ct); err != nil {
			t.Fatalf("open: %v", err)
		}
	})
}
