package policy

import "net"

// PacketCtx carries the facts about a connection attempt that rules
// can match on. The gate fills it from the first datagram of a flow.
type PacketCtx struct {
	RemoteIP     net.IP
	RemotePort   uint16
	Family       string // "ip4" or "ip6"
	Version      uint32
	DCIDLen      int
	TokenPresent bool

	// ClientHello facts. Empty unless the listener decrypts Initials.
	SNI  string
	ALPN []string
	JA3  string
	JA4  string
}
