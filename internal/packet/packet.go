// Package packet classifies inbound QUIC datagrams and recovers the
// TLS ClientHello carried in Initial packets. Classification reads
// only cleartext header fields; hello extraction removes header
// protection and decrypts the Initial payload with the version's
// fixed key schedule.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Versions understood by the parser.
const (
	Version1 = uint32(0x00000001)
	Version2 = uint32(0x6b3343cf)
)

var (
	ErrNoCrypto           = errors.New("no crypto frame")
	ErrNotInitial         = errors.New("not a client initial")
	ErrUnsupportedVersion = errors.New("unsupported quic version")
)

// Kind labels the first packet of a datagram.
type Kind uint8

const (
	KindInitial Kind = iota
	KindZeroRTT
	KindHandshake
	KindRetry
	KindVersionNegotiation
	KindShort
)

var kindNames = [...]string{"initial", "0rtt", "handshake", "retry", "version-negotiation", "short"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Header is the cleartext portion of the first packet in a datagram.
// CID and token slices alias the input.
type Header struct {
	Kind    Kind
	Version uint32
	DCID    []byte
	SCID    []byte

	// Token is the address validation token of an Initial, or the
	// retry token of a Retry packet.
	Token []byte

	// Len is the number of bytes the packet spans in the datagram.
	Len int

	pnOff int // offset of the protected packet number
}

// HasToken reports whether an Initial packet carried a token.
func (h *Header) HasToken() bool {
	return h.Kind == KindInitial && len(h.Token) > 0
}

// ParseHeader reads the invariant header of the first packet in a
// datagram. Short-header packets are classified without a DCID: their
// CID length is not self-describing, use ShortHeaderCID.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	if b[0]&0x80 == 0 {
		return &Header{Kind: KindShort, Len: len(b)}, nil
	}
	if len(b) < 7 {
		return nil, io.ErrUnexpectedEOF
	}
	h := &Header{Version: binary.BigEndian.Uint32(b[1:5])}
	dcidLen := int(b[5])
	pos := 6
	if len(b) < pos+dcidLen+1 {
		return nil, io.ErrUnexpectedEOF
	}
	h.DCID = b[pos : pos+dcidLen]
	pos += dcidLen
	scidLen := int(b[pos])
	pos++
	if len(b) < pos+scidLen {
		return nil, io.ErrUnexpectedEOF
	}
	h.SCID = b[pos : pos+scidLen]
	pos += scidLen

	if h.Version == 0 {
		// Version negotiation: the rest of the datagram is the
		// supported version list.
		h.Kind = KindVersionNegotiation
		h.Len = len(b)
		return h, nil
	}

	kind, err := packetType(b[0], h.Version)
	if err != nil {
		return nil, err
	}
	h.Kind = kind

	switch kind {
	case KindRetry:
		// Token runs up to the 16-byte integrity tag closing the
		// datagram.
		if len(b) < pos+16 {
			return nil, io.ErrUnexpectedEOF
		}
		h.Token = b[pos : len(b)-16]
		h.Len = len(b)
		return h, nil
	case KindInitial:
		tokLen, n, err := readVarInt(b[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if uint64(len(b)-pos) < tokLen {
			return nil, io.ErrUnexpectedEOF
		}
		h.Token = b[pos : pos+int(tokLen)]
		pos += int(tokLen)
	}

	length, n, err := readVarInt(b[pos:])
	if err != nil {
		return nil, err
	}
	pos += n
	if uint64(len(b)-pos) < length {
		return nil, io.ErrUnexpectedEOF
	}
	h.pnOff = pos
	h.Len = pos + int(length)
	return h, nil
}

// ShortHeaderCID returns the destination CID of a short-header packet,
// given the CID length the endpoint issues.
func ShortHeaderCID(b []byte, cidLen int) ([]byte, error) {
	if cidLen < 0 || len(b) < 1+cidLen {
		return nil, io.ErrUnexpectedEOF
	}
	return b[1 : 1+cidLen], nil
}

// packetType maps the long-header type bits for a version. RFC 9369
// rotates the v1 values by one.
func packetType(first byte, version uint32) (Kind, error) {
	bits := (first >> 4) & 0x03
	switch version {
	case Version1:
		switch bits {
		case 0:
			return KindInitial, nil
		case 1:
			return KindZeroRTT, nil
		case 2:
			return KindHandshake, nil
		default:
			return KindRetry, nil
		}
	case Version2:
		switch bits {
		case 0:
			return KindRetry, nil
		case 1:
			return KindInitial, nil
		case 2:
			return KindZeroRTT, nil
		default:
			return KindHandshake, nil
		}
	}
	return 0, fmt.Errorf("%w 0x%08x", ErrUnsupportedVersion, version)
}

func readVarInt(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	prefix := b[0] >> 6
	l := 1 << prefix
	if len(b) < l {
		return 0, 0, io.ErrUnexpectedEOF
	}
	var v uint64
	switch prefix {
	case 0:
		v = uint64(b[0] & 0x3f)
	case 1:
		v = uint64(b[0]&0x3f)<<8 | uint64(b[1])
	case 2:
		v = uint64(b[0]&0x3f)<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
	case 3:
		v = uint64(b[0]&0x3f)<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 | uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
	}
	return v, l, nil
}
