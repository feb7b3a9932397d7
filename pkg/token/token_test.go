package token

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

func testSecret(t *testing.T, fill byte) Secret {
	t.Helper()
	var b [SecretLen]byte
	for i := range b {
		b[i] = fill
	}
	s, err := SecretFromBytes(b[:])
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	return s
}

func testAddr(t *testing.T, s string) []byte {
	t.Helper()
	return AddrBytes(netip.MustParseAddrPort(s))
}

func TestRetryTokenRoundTrip(t *testing.T) {
	sec := testSecret(t, 0xA7)
	c := NewCodec(sec)
	addr := testAddr(t, "192.0.2.1:4433")
	const t0 = uint64(5_000_000)
	const window = uint64(1_000)

	for _, cidLen := range []int{0, 8, 14, 20} {
		t.Run(fmt.Sprintf("cidlen-%d", cidLen), func(t *testing.T) {
			cid := make(CID, cidLen)
			for i := range cid {
				cid[i] = byte(i + 1)
			}
			tok, err := c.Encode(addr, cid, t0)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := c.Validate(tok, addr, window, t0+window/2)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !bytes.Equal(got, cid) {
				t.Fatalf("cid mismatch: got %x want %x", got, cid)
			}
		})
	}
}

func TestRetryTokenKnownLayout(t *testing.T) {
	sec := testSecret(t, 0x00)
	c := NewCodec(sec)
	addr := []byte{127, 0, 0, 1}
	cid := CID{1, 2, 3, 4, 5, 6, 7, 8}
	const t0 = uint64(1_000_000)

	tok, err := c.Encode(addr, cid, t0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wantLen := NonceLen + (len(addr) + TimestampLen + len(cid)) + tagLen
	if len(tok) != wantLen {
		t.Fatalf("token length: got %d want %d", len(tok), wantLen)
	}
	got, err := c.Validate(tok, addr, 10, t0+5)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !bytes.Equal(got, cid) {
		t.Fatalf("cid mismatch: got %x want %x", got, cid)
	}
	if _, err := c.Validate(tok, addr, 10, t0+15); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: got %v want %v", err, ErrInvalidToken)
	}
}

func TestRetryTokenTamper(t *testing.T) {
	sec := testSecret(t, 0x3C)
	c := NewCodec(sec)
	addr := testAddr(t, "198.51.100.7:443")
	cid := CID{9, 9, 9, 9}
	const t0 = uint64(10_000)

	tok, err := c.Encode(addr, cid, t0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < len(tok); i++ {
		for bit := 0; bit < 8; bit++ {
			mut := append([]byte(nil), tok...)
			mut[i] ^= 1 << bit
			if _, err := c.Validate(mut, addr, 100, t0); err == nil {
				t.Fatalf("bit %d of byte %d flipped but token accepted", bit, i)
			}
		}
	}
}

func TestRetryTokenAddressBinding(t *testing.T) {
	sec := testSecret(t, 0x55)
	c := NewCodec(sec)
	addr := testAddr(t, "192.0.2.1:4433")
	cid := CID{0xAA, 0xBB}
	const t0 = uint64(77_000)

	tok, err := c.Encode(addr, cid, t0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, other := range []string{
		"192.0.2.1:4434",
		"192.0.2.2:4433",
		"[2001:db8::1]:4433",
	} {
		t.Run(other, func(t *testing.T) {
			if _, err := c.Validate(tok, testAddr(t, other), 100, t0); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("token for %s accepted from %s: %v", "192.0.2.1:4433", other, err)
			}
		})
	}
}

func TestRetryTokenFreshness(t *testing.T) {
	sec := testSecret(t, 0x11)
	c := NewCodec(sec)
	addr := testAddr(t, "203.0.113.5:8443")
	cid := CID{1}
	const t0 = uint64(1_000_000)
	const window = uint64(10)

	tok, err := c.Encode(addr, cid, t0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := []struct {
		name  string
		now   uint64
		valid bool
	}{
		{"window-1", t0 + window - 1, true},
		{"window", t0 + window, true},
		{"window+1", t0 + window + 1, false},
		{"issue-time", t0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Validate(tok, addr, window, tc.now)
			if tc.valid && err != nil {
				t.Fatalf("valid token rejected at now=%d: %v", tc.now, err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("stale token accepted at now=%d", tc.now)
			}
		})
	}
}

func TestDecodeIgnoresFreshness(t *testing.T) {
	sec := testSecret(t, 0x11)
	c := NewCodec(sec)
	addr := testAddr(t, "203.0.113.5:8443")
	cid := CID{7, 7, 7, 7, 7, 7, 7, 7}
	const t0 = uint64(1_000_000)
	const window = uint64(10)

	tok, err := c.Encode(addr, cid, t0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.Validate(tok, addr, window, t0+window+1); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("stale token accepted: %v", err)
	}
	got, issued, err := c.Decode(tok, addr)
	if err != nil {
		t.Fatalf("decode of stale token: %v", err)
	}
	if !bytes.Equal(got, cid) {
		t.Fatalf("cid mismatch: got %x want %x", got, cid)
	}
	if issued != t0 {
		t.Fatalf("issue timestamp: got %d want %d", issued, t0)
	}
	other := testAddr(t, "203.0.113.6:8443")
	if _, _, err := c.Decode(tok, other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("decode for wrong address: got %v want %v", err, ErrInvalidToken)
	}
}

func TestRetryTokenFutureTimestamp(t *testing.T) {
	sec := testSecret(t, 0x11)
	addr := testAddr(t, "203.0.113.5:8443")
	cid := CID{1}
	const t0 = uint64(1_000_000)

	strict := NewCodec(sec)
	tok, err := strict.Encode(addr, cid, t0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := strict.Validate(tok, addr, 100, t0-1); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("future timestamp accepted with zero skew: %v", err)
	}

	lax := NewCodec(sec, WithClockSkew(5))
	if _, err := lax.Validate(tok, addr, 100, t0-4); err != nil {
		t.Fatalf("timestamp within skew rejected: %v", err)
	}
	if _, err := lax.Validate(tok, addr, 100, t0-6); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("timestamp beyond skew accepted")
	}
}

func TestRetryTokenSecretIsolation(t *testing.T) {
	addr := testAddr(t, "192.0.2.9:1234")
	cid := CID{4, 5, 6}
	const t0 = uint64(42)

	c1 := NewCodec(testSecret(t, 0x01))
	c2 := NewCodec(testSecret(t, 0x02))
	tok, err := c1.Encode(addr, cid, t0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c2.Validate(tok, addr, 100, t0); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token sealed under one secret accepted under another: %v", err)
	}
	if _, err := c1.Validate(tok, addr, 100, t0); err != nil {
		t.Fatalf("control validate failed: %v", err)
	}
}

func TestRetryTokenChaCha(t *testing.T) {
	sec := testSecret(t, 0x77)
	c := NewCodec(sec, WithAEAD("chacha"))
	addr := testAddr(t, "[2001:db8::2]:443")
	cid := CID{1, 2, 3, 4, 5}
	const t0 = uint64(9_000)

	tok, err := c.Encode(addr, cid, t0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := c.Validate(tok, addr, 50, t0+1)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !bytes.Equal(got, cid) {
		t.Fatalf("cid mismatch: got %x want %x", got, cid)
	}
	if _, err := NewCodec(sec).Validate(tok, addr, 50, t0+1); err == nil {
		t.Fatalf("chacha token accepted by aes codec")
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	c := NewCodec(testSecret(t, 0xEE))
	big := make([]byte, MaxPlaintext)
	if _, err := c.Encode(big, CID{1}, 0); !errors.Is(err, ErrPlaintextTooLarge) {
		t.Fatalf("oversize plaintext: got %v want %v", err, ErrPlaintextTooLarge)
	}
	if _, err := c.Encode([]byte{1, 2, 3, 4}, make(CID, MaxCIDLen+1), 0); !errors.Is(err, ErrBadCIDLen) {
		t.Fatalf("oversize cid: got %v want %v", err, ErrBadCIDLen)
	}
}

func TestValidateTruncated(t *testing.T) {
	c := NewCodec(testSecret(t, 0x21))
	for _, n := range []int{0, 1, NonceLen - 1} {
		if _, err := c.Validate(make([]byte, n), []byte{127, 0, 0, 1}, 100, 0); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("len %d: got %v want %v", n, err, ErrInvalidToken)
		}
	}
}

func TestResetTokenDeterministic(t *testing.T) {
	sec := testSecret(t, 0x42)
	cid := CID{0xDE, 0xAD, 0xBE, 0xEF}

	a := ResetToken(sec, cid)
	b := ResetToken(sec, cid)
	if a != b {
		t.Fatalf("reset token not deterministic: %x vs %x", a, b)
	}
	if c := ResetToken(sec, CID{0xDE, 0xAD, 0xBE, 0xEE}); c == a {
		t.Fatalf("distinct cids produced identical reset token %x", a)
	}
	if d := ResetToken(testSecret(t, 0x43), cid); d == a {
		t.Fatalf("distinct secrets produced identical reset token %x", a)
	}
}

func TestFlowLabelBoundAndDeterminism(t *testing.T) {
	sec := testSecret(t, 0x10)
	local := testAddr(t, "[2001:db8::1]:443")
	remote := testAddr(t, "[2001:db8::2]:50000")

	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		cid := CID{byte(i), 0x33, 0x44}
		l1 := FlowLabel(sec, local, remote, cid)
		l2 := FlowLabel(sec, local, remote, cid)
		if l1 != l2 {
			t.Fatalf("flow label not deterministic for cid %x: %x vs %x", cid, l1, l2)
		}
		if l1 >= 1<<20 {
			t.Fatalf("flow label %#x exceeds 20 bits", l1)
		}
		seen[l1] = true
	}
	if len(seen) < 2 {
		t.Fatalf("flow labels show no input sensitivity: %v", seen)
	}
}

type captureWriter struct {
	version    uint32
	dcid, scid CID
	odcid      CID
	token      []byte
	out        []byte
	err        error
}

func (w *captureWriter) WriteRetry(version uint32, dcid, scid, odcid CID, token []byte) ([]byte, error) {
	w.version = version
	w.dcid, w.scid, w.odcid = dcid, scid, odcid
	w.token = append([]byte(nil), token...)
	return w.out, w.err
}

func TestBuildRetry(t *testing.T) {
	sec := testSecret(t, 0x09)
	w := &captureWriter{out: []byte{0xF0, 0x01}}
	c := NewCodec(sec, WithRetryWriter(w))
	remote := testAddr(t, "192.0.2.33:60000")
	dcid := CID{1, 2, 3, 4, 5, 6, 7, 8}
	scid := CID{9, 8, 7, 6}
	const t0 = uint64(500)

	pkt, err := c.BuildRetry(1, dcid, scid, nil, remote, t0)
	if err != nil {
		t.Fatalf("build retry: %v", err)
	}
	if !bytes.Equal(pkt, w.out) {
		t.Fatalf("packet mismatch: got %x want %x", pkt, w.out)
	}
	if !bytes.Equal(w.dcid, scid) {
		t.Fatalf("header dcid: got %x want client scid %x", w.dcid, scid)
	}
	if !bytes.Equal(w.odcid, dcid) {
		t.Fatalf("odcid: got %x want %x", w.odcid, dcid)
	}
	if len(w.scid) != DefaultRetryCIDLen {
		t.Fatalf("fresh cid length: got %d want %d", len(w.scid), DefaultRetryCIDLen)
	}
	got, err := c.Validate(w.token, remote, 100, t0)
	if err != nil {
		t.Fatalf("validate built token: %v", err)
	}
	if !bytes.Equal(got, dcid) {
		t.Fatalf("token cid: got %x want %x", got, dcid)
	}
}

func TestBuildRetryFailures(t *testing.T) {
	sec := testSecret(t, 0x09)
	remote := testAddr(t, "192.0.2.33:60000")
	dcid := CID{1, 2}

	if _, err := NewCodec(sec).BuildRetry(1, dcid, CID{3}, nil, remote, 0); !errors.Is(err, ErrNoRetryWriter) {
		t.Fatalf("missing writer: got %v want %v", err, ErrNoRetryWriter)
	}
	c := NewCodec(sec, WithRetryWriter(&captureWriter{}))
	if _, err := c.BuildRetry(1, dcid, CID{3}, nil, remote, 0); !errors.Is(err, ErrRetryEncode) {
		t.Fatalf("empty write: got %v want %v", err, ErrRetryEncode)
	}
	werr := errors.New("boom")
	c = NewCodec(sec, WithRetryWriter(&captureWriter{err: werr}))
	if _, err := c.BuildRetry(1, dcid, CID{3}, nil, remote, 0); !errors.Is(err, werr) {
		t.Fatalf("writer error not wrapped: %v", err)
	}
}

func TestAddrBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"127.0.0.1:80", 6},
		{"[::1]:80", 18},
		{"[::ffff:127.0.0.1]:80", 6},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got := AddrBytes(netip.MustParseAddrPort(tc.in))
			if len(got) != tc.want {
				t.Fatalf("length: got %d want %d", len(got), tc.want)
			}
		})
	}
	a := AddrBytes(netip.MustParseAddrPort("127.0.0.1:80"))
	b := AddrBytes(netip.MustParseAddrPort("[::ffff:127.0.0.1]:80"))
	if !bytes.Equal(a, b) {
		t.Fatalf("mapped address encoding differs: %x vs %x", a, b)
	}
}

func TestParseSecret(t *testing.T) {
	s, err := ParseSecret("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s[0] != 0 || s[31] != 0x1f {
		t.Fatalf("unexpected secret bytes: %x", s)
	}
	if _, err := ParseSecret("abcd"); !errors.Is(err, ErrBadSecretLen) {
		t.Fatalf("short secret: got %v want %v", err, ErrBadSecretLen)
	}
	if _, err := ParseSecret("zz"); !errors.Is(err, ErrBadSecretLen) {
		t.Fatalf("bad hex: got %v want %v", err, ErrBadSecretLen)
	}
}

func FuzzValidate(f *testing.F) {
	sec, err := SecretFromBytes(bytes.Repeat([]byte{0x5A}, SecretLen))
	if err != nil {
		f.Fatal(err)
	}
	c := NewCodec(sec)
	addr := []byte{192, 0, 2, 1, 0x11, 0x51}
	tok, err := c.Encode(addr, CID{1, 2, 3, 4}, 1000)
	if err != nil {
		f.Fatal(err)
	}
	f.Add(tok)
	f.Add(tok[:NonceLen])
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		got, err := c.Validate(data, addr, 1<<30, 1000)
		if err == nil && !bytes.Equal(data, tok) {
			t.Errorf("forged token %x accepted, cid %x", data, got)
		}
	})
}
