package packet

import (
	fp "github.com/0x4D31/fingerproxy/pkg/fingerprint"
	"github.com/0x4D31/fingerproxy/pkg/metadata"
	"github.com/dreadl0ck/tlsx"
)

// Hello summarizes an extracted ClientHello for policy evaluation and
// capture records.
type Hello struct {
	SNI    string
	ALPN   []string
	JA3    string
	JA4    string
	Record []byte
}

// Fingerprint parses a ClientHello record and computes its JA3 and JA4
// fingerprints. rec must be a TLS handshake record as returned by
// ExtractClientHello.
func Fingerprint(rec []byte) (*Hello, error) {
	ch := &tlsx.ClientHello{}
	if err := ch.Unmarshal(rec); err != nil {
		return nil, err
	}
	md := &metadata.Metadata{ClientHelloRecord: rec, IsQUIC: true}
	ja3, err := fp.JA3Fingerprint(md)
	if err != nil {
		return nil, err
	}
	ja4, err := fp.JA4Fingerprint(md)
	if err != nil {
		return nil, err
	}
	return &Hello{
		SNI:    ch.SNI,
		ALPN:   ch.ALPNs,
		JA3:    ja3,
		JA4:    ja4,
		Record: rec,
	}, nil
}
