package handshake

import (
	"context"
	"crypto/tls"
	"errors"
)

// Engine is the TLS stack driving a connection. *tls.QUICConn
// implements it directly; UQUICEngine adapts a utls connection.
type Engine interface {
	Start(ctx context.Context) error
	NextEvent() tls.QUICEvent
	HandleData(level tls.QUICEncryptionLevel, data []byte) error
	SetTransportParameters(params []byte)
	SendSessionTicket(opts tls.QUICSessionTicketOptions) error
	StoreSession(session *tls.SessionState) error
	ConnectionState() tls.ConnectionState
	Close() error
}

var _ Engine = (*tls.QUICConn)(nil)

// Bridge pumps events from an Engine into a Sink. It is constructed
// with both ends and owns no handshake state beyond the local
// transport parameters.
type Bridge struct {
	engine Engine
	sink   Sink
	params []byte
}

// New returns a Bridge wiring engine to sink.
func New(engine Engine, sink Sink) *Bridge {
	return &Bridge{engine: engine, sink: sink}
}

// SetTransportParameters records the local encoded transport
// parameters handed to the engine when it asks for them.
func (b *Bridge) SetTransportParameters(p []byte) {
	b.params = append([]byte(nil), p...)
}

// Start launches the handshake and drains the first batch of events.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.engine.Start(ctx); err != nil {
		return err
	}
	return b.drain()
}

// HandleMessage feeds inbound handshake bytes received at level into
// the engine and routes the resulting events. TLS alerts raised by the
// engine are surfaced through Sink.Alert before the error returns.
func (b *Bridge) HandleMessage(data []byte, level Level) error {
	if err := b.engine.HandleData(level.tlsLevel(), data); err != nil {
		var alert tls.AlertError
		if errors.As(err, &alert) {
			b.sink.Alert(level, uint8(alert))
		}
		return err
	}
	return b.drain()
}

// SendTicket issues a session ticket, letting the sink attach
// application data first.
func (b *Bridge) SendTicket(earlyData bool) error {
	var ad AppData
	b.sink.TicketCreated(&ad)
	opts := tls.QUICSessionTicketOptions{EarlyData: earlyData}
	if data, ok := ad.Get(); ok {
		opts.Extra = [][]byte{data}
	}
	return b.engine.SendSessionTicket(opts)
}

// Close shuts the engine down.
func (b *Bridge) Close() error { return b.engine.Close() }

// WithClientHello returns a copy of cfg whose GetConfigForClient hook
// reports each client hello to sink before chaining to any hook
// already installed.
func WithClientHello(cfg *tls.Config, sink Sink) *tls.Config {
	out := cfg.Clone()
	prev := out.GetConfigForClient
	out.GetConfigForClient = func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
		sink.ClientHello(&ClientHelloInfo{
			ServerName: chi.ServerName,
			Protocols:  chi.SupportedProtos,
		})
		if prev != nil {
			return prev(chi)
		}
		return nil, nil
	}
	return out
}

func (b *Bridge) drain() error {
	for {
		ev := b.engine.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			if err := b.sink.SetReadSecret(levelFromTLS(ev.Level), ev.Suite, ev.Data); err != nil {
				return err
			}
		case tls.QUICSetWriteSecret:
			if err := b.sink.SetWriteSecret(levelFromTLS(ev.Level), ev.Suite, ev.Data); err != nil {
				return err
			}
		case tls.QUICWriteData:
			if err := b.sink.HandshakeData(levelFromTLS(ev.Level), ev.Data); err != nil {
				return err
			}
		case tls.QUICTransportParameters:
			if err := b.sink.TransportParameters(ev.Data); err != nil {
				return err
			}
		case tls.QUICTransportParametersRequired:
			b.engine.SetTransportParameters(b.params)
		case tls.QUICRejectedEarlyData:
			b.sink.EarlyDataRejected()
		case tls.QUICHandshakeDone:
			b.sink.HandshakeComplete()
			state := b.engine.ConnectionState()
			if state.NegotiatedProtocol != "" {
				b.sink.ALPNSelected(state.NegotiatedProtocol)
			}
			if len(state.OCSPResponse) > 0 {
				b.sink.OCSPStatus(state.OCSPResponse)
			}
		case tls.QUICStoreSession:
			if ev.SessionState != nil {
				if err := b.engine.StoreSession(ev.SessionState); err != nil {
					return err
				}
			}
		case tls.QUICResumeSession:
			if ev.SessionState != nil {
				var extra []byte
				if len(ev.SessionState.Extra) > 0 {
					extra = ev.SessionState.Extra[0]
				}
				switch b.TicketDecision(TicketSuccess, extra) {
				case TicketUse, TicketUseRenew:
				case TicketIgnore, TicketIgnoreRenew:
					ev.SessionState.EarlyData = false
				}
			}
		default:
			// Unknown events are skipped; the engine guarantees that
			// is safe.
		}
	}
}
