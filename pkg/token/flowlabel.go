package token

import (
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/hkdf"
)

// FlowLabel derives a deterministic IPv6 flow label for the path
// (local, remote, cid). local and remote are canonical address
// encodings (see AddrBytes). The result is always below 1<<20.
func FlowLabel(secret Secret, local, remote []byte, cid CID) uint32 {
	info := make([]byte, 0, len(local)+len(remote)+len(cid))
	info = append(info, local...)
	info = append(info, remote...)
	info = append(info, cid...)
	var out [4]byte
	if _, err := hkdf.Expand(sha256.New, secret[:], info).Read(out[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(out[:]) & LabelMask
}
