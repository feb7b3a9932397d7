package handshake

// ClientHelloInfo is the subset of the client hello surfaced for
// inspection.
type ClientHelloInfo struct {
	ServerName string
	Protocols  []string
}

// Sink is the crypto context of one session. The Bridge translates
// every TLS engine event into exactly one method call; implementations
// own what happens next. Embed NopSink to pick up no-op defaults for
// events a session does not care about.
type Sink interface {
	// SetReadSecret and SetWriteSecret install traffic secrets for a
	// level. A returned error aborts the handshake.
	SetReadSecret(level Level, suite uint16, secret []byte) error
	SetWriteSecret(level Level, suite uint16, secret []byte) error

	// HandshakeData buffers outgoing handshake bytes for a level.
	HandshakeData(level Level, data []byte) error

	// Alert reports a TLS alert raised while processing peer data.
	Alert(level Level, code uint8)

	// TransportParameters delivers the peer's encoded parameters.
	TransportParameters(data []byte) error

	HandshakeComplete()
	EarlyDataRejected()

	// ClientHello fires once per connection on servers, before the
	// handshake proceeds.
	ClientHello(info *ClientHelloInfo)

	// ALPNSelected reports the negotiated application protocol, if
	// any, once the handshake completes.
	ALPNSelected(protocol string)

	// TicketCreated lets the session attach application data to an
	// outgoing session ticket. ad.Set succeeds once.
	TicketCreated(ad *AppData)

	// TicketReceived is consulted for a decrypted inbound ticket.
	// renew reports whether the engine wants to reissue it. The
	// returned disposition decides the ticket's fate; values outside
	// the enumeration count as TicketIgnore.
	TicketReceived(appData []byte, renew bool) TicketDisposition

	// OCSPStatus delivers the stapled OCSP response, when present.
	OCSPStatus(response []byte)

	// Keylog receives NSS key log lines when keylogging is enabled.
	Keylog(line string)
}

// NopSink implements Sink with no-ops.
type NopSink struct{}

func (NopSink) SetReadSecret(Level, uint16, []byte) error  { return nil }
func (NopSink) SetWriteSecret(Level, uint16, []byte) error { return nil }
func (NopSink) HandshakeData(Level, []byte) error          { return nil }
func (NopSink) Alert(Level, uint8)                         {}
func (NopSink) TransportParameters([]byte) error           { return nil }
func (NopSink) HandshakeComplete()                         {}
func (NopSink) EarlyDataRejected()                         {}
func (NopSink) ClientHello(*ClientHelloInfo)               {}
func (NopSink) ALPNSelected(string)                        {}
func (NopSink) TicketCreated(*AppData)                     {}
func (NopSink) TicketReceived([]byte, bool) TicketDisposition {
	return TicketUse
}
func (NopSink) OCSPStatus([]byte) {}
func (NopSink) Keylog(string)     {}
