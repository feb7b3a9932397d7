package token

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// ResetToken derives the stateless reset token for cid. The token is
// a pure function of the secret and the CID: an endpoint that lost all
// connection state can still recompute the token it once issued and a
// peer can recognize it. No randomness, no clock.
func ResetToken(secret Secret, cid CID) [ResetTokenLen]byte {
	var out [ResetTokenLen]byte
	prk := hkdf.Extract(sha256.New, secret[:], cid)
	copy(out[:], prk[:ResetTokenLen])
	return out
}
