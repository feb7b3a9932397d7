// Package handshake routes TLS engine lifecycle events into a
// session's crypto context. It carries no cryptographic logic of its
// own: secrets, handshake data, alerts and session tickets pass
// through translated into the protocol's vocabulary, nothing else.
package handshake

import "crypto/tls"

// Level is an encryption level in the connection establishment
// sequence.
type Level uint8

const (
	LevelInitial Level = iota
	LevelEarly
	LevelHandshake
	LevelApplication
)

var levelNames = [...]string{"initial", "early", "handshake", "app"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

func levelFromTLS(l tls.QUICEncryptionLevel) Level {
	switch l {
	case tls.QUICEncryptionLevelInitial:
		return LevelInitial
	case tls.QUICEncryptionLevelEarly:
		return LevelEarly
	case tls.QUICEncryptionLevelHandshake:
		return LevelHandshake
	case tls.QUICEncryptionLevelApplication:
		return LevelApplication
	default:
		panic("unknown encryption level")
	}
}

func (l Level) tlsLevel() tls.QUICEncryptionLevel {
	switch l {
	case LevelInitial:
		return tls.QUICEncryptionLevelInitial
	case LevelEarly:
		return tls.QUICEncryptionLevelEarly
	case LevelHandshake:
		return tls.QUICEncryptionLevelHandshake
	case LevelApplication:
		return tls.QUICEncryptionLevelApplication
	default:
		panic("unknown encryption level")
	}
}
