package gate

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/shrike/pkg/token"
)

const (
	// minResetLen is the smallest stateless reset that still parses
	// as a short-header packet carrying a 16-byte token (RFC 9000
	// §10.3).
	minResetLen = 21

	// minResetTrigger is the smallest datagram answered with a reset:
	// the reply must stay strictly smaller than its trigger so two
	// stateless endpoints cannot ping-pong resets forever.
	minResetTrigger = minResetLen + 1

	// maxResetLen caps replies at the size of a full short-header
	// packet (1 + 20 CID + 4 PN + 1 payload + 16 token).
	maxResetLen = 42
)

// Server owns a UDP socket and runs a Gate over every datagram it
// receives. Retry and reset verdicts are answered on the socket;
// accepted datagrams are counted and logged, handing them to a
// transport is the embedding application's concern.
type Server struct {
	Addr string

	gate   *Gate
	conn   *net.UDPConn
	local  netip.AddrPort
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer wraps g in a Server listening on addr once started.
func NewServer(addr string, g *Gate) *Server {
	return &Server{Addr: addr, gate: g}
}

// Gate returns the decision engine behind the server.
func (s *Server) Gate() *Gate { return s.gate }

// Start binds the UDP socket and launches the receive loop.
func (s *Server) Start() error {
	ua, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.Addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.conn = conn
	s.local = conn.LocalAddr().(*net.UDPAddr).AddrPort()
	cblog.WithPrefix("GATE").Infof("listener %s on %s", s.gate.ID, conn.LocalAddr())
	s.wg.Add(1)
	go s.loop()
	return nil
}

// LocalAddr returns the bound address. Valid after Start.
func (s *Server) LocalAddr() netip.AddrPort { return s.local }

func (s *Server) loop() {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, remote, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			cblog.WithPrefix("GATE").Errorf("read: %v", err)
			continue
		}
		d := s.gate.Handle(buf[:n], s.local, remote)
		switch d.Verdict {
		case VerdictRetry:
			if _, err := s.conn.WriteToUDPAddrPort(d.Retry, remote); err != nil {
				cblog.WithPrefix("GATE").Errorf("write retry: %v", err)
			}
		case VerdictReset:
			if n < minResetTrigger {
				continue
			}
			pkt, err := resetDatagram(n, d.Reset)
			if err != nil {
				cblog.WithPrefix("GATE").Errorf("build reset: %v", err)
				continue
			}
			if _, err := s.conn.WriteToUDPAddrPort(pkt, remote); err != nil {
				cblog.WithPrefix("GATE").Errorf("write reset: %v", err)
			}
		}
	}
}

// Shutdown closes the socket and waits for the receive loop to exit
// or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	s.closed.Store(true)
	err := s.conn.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// resetDatagram builds a stateless reset reply for a trigger of the
// given length: one byte shorter than the trigger, capped, looking
// like a short-header packet with unpredictable bits ahead of the
// trailing token.
func resetDatagram(triggerLen int, tok [token.ResetTokenLen]byte) ([]byte, error) {
	n := triggerLen - 1
	if n > maxResetLen {
		n = maxResetLen
	}
	if n < minResetLen {
		return nil, fmt.Errorf("trigger too small for a reset: %d", triggerLen)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b[:n-token.ResetTokenLen]); err != nil {
		return nil, err
	}
	b[0] = 0x40 | b[0]&0x3f
	copy(b[n-token.ResetTokenLen:], tok[:])
	return b, nil
}
