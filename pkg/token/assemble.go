package token

import "fmt"

// RetryWriter encodes an outbound retry packet from its parts. dcid
// and scid are the header fields of the packet being written (the
// client's source CID and the server's fresh CID); odcid is the
// original destination CID covered by the retry integrity tag.
type RetryWriter interface {
	WriteRetry(version uint32, dcid, scid, odcid CID, token []byte) ([]byte, error)
}

// BuildRetry assembles a retry packet answering an Initial packet that
// arrived with dcid/scid from remote. It mints a fresh server CID,
// seals a retry token binding dcid to remote, and hands everything to
// the configured RetryWriter. local is accepted alongside remote for
// callers that plumb both sides of the path; the v1 token format binds
// the remote side only.
func (c *Codec) BuildRetry(version uint32, dcid, scid CID, local, remote []byte, now uint64) ([]byte, error) {
	if c.writer == nil {
		return nil, ErrNoRetryWriter
	}
	tok, err := c.Encode(remote, dcid, now)
	if err != nil {
		return nil, err
	}
	if len(tok) > MaxRetryTokenLen {
		return nil, ErrTokenTooLong
	}
	ncid, err := NewRandomCID(c.cidLen)
	if err != nil {
		return nil, fmt.Errorf("mint retry cid: %w", err)
	}
	pkt, err := c.writer.WriteRetry(version, scid, ncid, dcid, tok)
	if err != nil {
		return nil, fmt.Errorf("write retry: %w", err)
	}
	if len(pkt) == 0 {
		return nil, ErrRetryEncode
	}
	return pkt, nil
}
