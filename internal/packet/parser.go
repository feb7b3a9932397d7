package packet

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultStateLimit = 1024
	DefaultStateTTL   = 30 * time.Second
)

// Option configures a Parser.
type Option func(*Parser)

// WithStateLimit limits how many reassembly states are kept in memory.
// Values <= 0 are ignored.
func WithStateLimit(l int) Option {
	return func(p *Parser) {
		if l > 0 {
			p.stateLimit = l
		}
	}
}

// WithStateTTL sets the eviction timeout for reassembly state.
// Durations <= 0 are ignored.
func WithStateTTL(ttl time.Duration) Option {
	return func(p *Parser) {
		if ttl > 0 {
			p.stateTTL = ttl
		}
	}
}

// Parser recovers ClientHello records from Initial packets. Hellos
// split across datagrams are reassembled in per-connection state keyed
// by DCID, evicted by count and age.
type Parser struct {
	states     sync.Map
	stateCount atomic.Int64
	stateLimit int
	stateTTL   time.Duration
	ticker     *time.Ticker
	done       chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// NewParser returns a Parser configured with opts.
func NewParser(opts ...Option) *Parser {
	p := &Parser{stateLimit: DefaultStateLimit, stateTTL: DefaultStateTTL}
	for _, o := range opts {
		o(p)
	}
	p.ticker = time.NewTicker(p.stateTTL)
	p.done = make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ticker.C:
				p.maybeGC()
			case <-p.done:
				p.ticker.Stop()
				return
			}
		}
	}()
	return p
}

// assembly is the per-connection reassembly state.
type assembly struct {
	mu  sync.Mutex        // protects buf
	buf map[uint64][]byte // crypto stream offset -> data
	pn  uint64            // highest packet number seen
	ts  time.Time         // last activity
}

func (p *Parser) state(dcid []byte) *assembly {
	key := string(dcid)
	if v, ok := p.states.Load(key); ok {
		st := v.(*assembly)
		st.ts = time.Now()
		return st
	}
	st := &assembly{buf: make(map[uint64][]byte), ts: time.Now()}
	p.states.Store(key, st)
	p.stateCount.Add(1)
	p.maybeGC()
	return st
}

func (p *Parser) maybeGC() {
	if p.stateCount.Load() <= int64(p.stateLimit) {
		return
	}
	cutoff := time.Now().Add(-p.stateTTL)
	p.states.Range(func(k, v any) bool {
		st := v.(*assembly)
		if st.ts.Before(cutoff) {
			p.states.Delete(k)
			p.stateCount.Add(-1)
		}
		return true
	})
}

// Close stops the parser's background goroutine.
func (p *Parser) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

// assemble records a crypto stream fragment and returns the complete
// first handshake message once all bytes up to its length are present.
func (p *Parser) assemble(dcid []byte, off uint64, data []byte) ([]byte, bool) {
	st := p.state(dcid)
	st.mu.Lock()
	if _, ok := st.buf[off]; !ok {
		st.buf[off] = data
	}

	hdr, ok := st.buf[0]
	if !ok || len(hdr) < 4 {
		st.mu.Unlock()
		return nil, false
	}
	l := int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	target := 4 + l

	var out []byte
	var pos uint64
	for pos < uint64(target) {
		b, ok := st.buf[pos]
		if !ok {
			st.mu.Unlock()
			return nil, false
		}
		out = append(out, b...)
		pos += uint64(len(b))
	}
	st.mu.Unlock()
	if len(out) < target {
		return nil, false
	}
	p.states.Delete(string(dcid))
	p.stateCount.Add(-1)
	return out[:target], true
}

// walkFrames scans a decrypted Initial payload for CRYPTO frames,
// skipping PADDING, PING, ACK, RESET_STREAM and STOP_SENDING. It stops
// at the first frame type an Initial cannot carry.
func (p *Parser) walkFrames(dcid []byte, data []byte) ([]byte, bool, error) {
	i := 0
	parsed := false
	for i < len(data) {
		t, n, err := readVarInt(data[i:])
		if err != nil {
			return nil, false, err
		}
		i += n
		if t == 0 {
			continue
		}
		if t > 0x06 {
			break
		}
		switch t {
		case 0x01:
			// PING
		case 0x02, 0x03:
			var rc uint64
			if _, n, err = readVarInt(data[i:]); err != nil {
				return nil, false, err
			}
			i += n
			if _, n, err = readVarInt(data[i:]); err != nil {
				return nil, false, err
			}
			i += n
			if rc, n, err = readVarInt(data[i:]); err != nil {
				return nil, false, err
			}
			i += n
			if _, n, err = readVarInt(data[i:]); err != nil {
				return nil, false, err
			}
			i += n
			for j := uint64(0); j < rc; j++ {
				if _, n, err = readVarInt(data[i:]); err != nil {
					return nil, false, err
				}
				i += n
				if _, n, err = readVarInt(data[i:]); err != nil {
					return nil, false, err
				}
				i += n
			}
			if t == 0x03 {
				for j := 0; j < 3; j++ {
					if _, n, err = readVarInt(data[i:]); err != nil {
						return nil, false, err
					}
					i += n
				}
			}
		case 0x04:
			for j := 0; j < 3; j++ {
				if _, n, err = readVarInt(data[i:]); err != nil {
					return nil, false, err
				}
				i += n
			}
		case 0x05:
			for j := 0; j < 2; j++ {
				if _, n, err = readVarInt(data[i:]); err != nil {
					return nil, false, err
				}
				i += n
			}
		case 0x06:
			var off, ln uint64
			if off, n, err = readVarInt(data[i:]); err != nil {
				return nil, false, err
			}
			i += n
			if ln, n, err = readVarInt(data[i:]); err != nil {
				return nil, false, err
			}
			i += n
			if i+int(ln) > len(data) {
				return nil, false, io.ErrUnexpectedEOF
			}
			ch, done := p.assemble(dcid, off, data[i:i+int(ln)])
			i += int(ln)
			parsed = true
			if done {
				return ch, true, nil
			}
		}
	}
	if !parsed {
		return nil, false, ErrNoCrypto
	}
	return nil, false, nil
}

// helloFromInitial decrypts one Initial packet and feeds its CRYPTO
// frames to the assembler. pkt must span exactly one packet.
func (p *Parser) helloFromInitial(pkt []byte) ([]byte, error) {
	hdr, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}
	if hdr.Kind != KindInitial {
		return nil, ErrNotInitial
	}
	st := p.state(hdr.DCID)
	pnOffset := hdr.pnOff
	if pnOffset+4+16 > len(pkt) {
		return nil, io.ErrUnexpectedEOF
	}
	pnBytesOrig := pkt[pnOffset : pnOffset+4]
	sample := pkt[pnOffset+4 : pnOffset+4+16]
	salt, err := initialSalt(hdr.Version)
	if err != nil {
		return nil, err
	}

	// Initial protection is AES-128-GCM; the ChaCha20 retry covers
	// nonconforming stacks observed in the wild.
	var lastErr error
	for i, attempt := range []struct {
		keyLen int
		alg    string
	}{{16, "aes"}, {32, "chacha"}} {
		key, iv, hp, err := initialKeys(hdr.DCID, salt, hdr.Version, attempt.keyLen)
		if err != nil {
			return nil, err
		}
		mask := protectionMask(hp, sample, attempt.alg)
		pnLen := pnLength(pkt[0], mask[0])
		first := pkt[0]
		pnBytes := append([]byte(nil), pnBytesOrig...)
		applyMask(&first, pnBytes[:pnLen], mask)
		if first&0x0c != 0 {
			return nil, errors.New("reserved bits set")
		}
		truncPN := decodePN(pnBytes[:pnLen])
		pnFull := expandPN(truncPN, pnLen, st.pn)
		header := append([]byte{first}, pkt[1:pnOffset]...)
		header = append(header, pnBytes[:pnLen]...)
		payload := pkt[pnOffset+pnLen : hdr.Len]
		if len(payload) < 16 {
			return nil, io.ErrUnexpectedEOF
		}
		plain, err := openInitial(key, iv, pnFull, header, payload)
		if err != nil {
			if i == 0 && err.Error() == "cipher: message authentication failed" {
				lastErr = err
				continue
			}
			return nil, err
		}
		st.mu.Lock()
		if pnFull > st.pn {
			st.pn = pnFull
		}
		st.mu.Unlock()
		ch, done, err := p.walkFrames(hdr.DCID, plain)
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, ErrNoCrypto
		}
		rec := make([]byte, 5+len(ch))
		rec[0] = 0x16
		rec[1] = 0x03
		rec[2] = 0x01
		binary.BigEndian.PutUint16(rec[3:5], uint16(len(ch)))
		copy(rec[5:], ch)
		return rec, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("cipher: message authentication failed")
}

// ExtractClientHello scans a datagram of coalesced packets and returns
// the first ClientHello record a packet completes, framed as a TLS
// handshake record for fingerprinting.
func (p *Parser) ExtractClientHello(datagram []byte) ([]byte, error) {
	var lastErr error
	for len(datagram) > 0 {
		if datagram[0]&0x80 == 0 {
			datagram = datagram[1:]
			continue
		}
		if datagram[0]&0x40 == 0 {
			lastErr = errors.New("fixed bit not set")
			break
		}
		hdr, err := ParseHeader(datagram)
		if err != nil {
			lastErr = err
			break
		}
		rec, err := p.helloFromInitial(datagram[:hdr.Len])
		if err == nil {
			return rec, nil
		}
		lastErr = err
		datagram = datagram[hdr.Len:]
	}
	if lastErr == nil {
		lastErr = ErrNotInitial
	}
	return nil, lastErr
}
