package handshake

import (
	"context"
	"crypto/tls"
	"errors"

	utls "github.com/refraction-networking/utls"
)

// ErrSessionStorage is returned by UQUICEngine.StoreSession. Session
// state is opaque to both TLS stacks and cannot be rebuilt across the
// utls / crypto-tls boundary.
var ErrSessionStorage = errors.New("handshake: utls engine does not support session storage")

// UQUICEngine adapts a parroting utls connection to the Engine
// interface, converting events and levels between the utls and
// crypto/tls namespaces. Session events stay disabled on the wrapped
// connection: SessionState values cannot cross between the two
// packages, so NextEvent drops them and StoreSession always fails.
type UQUICEngine struct {
	conn *utls.UQUICConn
}

// NewUQUICEngine wraps an existing utls QUIC connection.
func NewUQUICEngine(conn *utls.UQUICConn) *UQUICEngine {
	return &UQUICEngine{conn: conn}
}

// ParrotClient builds a client engine that mimics the handshake of the
// browser identified by hello.
func ParrotClient(cfg *utls.Config, hello utls.ClientHelloID) *UQUICEngine {
	conn := utls.UQUICClient(&utls.QUICConfig{TLSConfig: cfg}, hello)
	return &UQUICEngine{conn: conn}
}

func (u *UQUICEngine) Start(ctx context.Context) error {
	return u.conn.Start(ctx)
}

func (u *UQUICEngine) NextEvent() tls.QUICEvent {
	ev := u.conn.NextEvent()
	return tls.QUICEvent{
		Kind:  tls.QUICEventKind(ev.Kind),
		Level: tls.QUICEncryptionLevel(ev.Level),
		Data:  ev.Data,
		Suite: ev.Suite,
	}
}

// HandleData feeds peer handshake bytes to the utls machine. Alerts it
// raises are rewrapped so callers can match them as tls.AlertError.
func (u *UQUICEngine) HandleData(level tls.QUICEncryptionLevel, data []byte) error {
	err := u.conn.HandleData(utls.QUICEncryptionLevel(level), data)
	var alert utls.AlertError
	if errors.As(err, &alert) {
		return tls.AlertError(alert)
	}
	return err
}

func (u *UQUICEngine) SetTransportParameters(params []byte) {
	u.conn.SetTransportParameters(params)
}

func (u *UQUICEngine) SendSessionTicket(opts tls.QUICSessionTicketOptions) error {
	return u.conn.SendSessionTicket(utls.QUICSessionTicketOptions{
		EarlyData: opts.EarlyData,
	})
}

func (u *UQUICEngine) StoreSession(*tls.SessionState) error {
	return ErrSessionStorage
}

func (u *UQUICEngine) ConnectionState() tls.ConnectionState {
	ucs := u.conn.ConnectionState()
	return tls.ConnectionState{
		Version:                     ucs.Version,
		HandshakeComplete:           ucs.HandshakeComplete,
		DidResume:                   ucs.DidResume,
		CipherSuite:                 ucs.CipherSuite,
		NegotiatedProtocol:          ucs.NegotiatedProtocol,
		ServerName:                  ucs.ServerName,
		PeerCertificates:            ucs.PeerCertificates,
		VerifiedChains:              ucs.VerifiedChains,
		SignedCertificateTimestamps: ucs.SignedCertificateTimestamps,
		OCSPResponse:                ucs.OCSPResponse,
		TLSUnique:                   ucs.TLSUnique,
	}
}

func (u *UQUICEngine) Close() error {
	return u.conn.Close()
}

var _ Engine = (*UQUICEngine)(nil)
