// Package auth implements Digest authentication for the proxy: challenge
// generation, plain-text-password verification of inbound credentials, and
// transparent re-authentication toward gateways on 401/407 responses.
package auth

import (
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// NewChallenge returns a fresh Digest challenge for the given realm. Every
// call produces a new nonce.
func NewChallenge(realm string) digest.Challenge {
	return digest.Challenge{
		Realm:     realm,
		Nonce:     uuid.NewString(),
		Algorithm: "MD5",
	}
}

// Verify checks the request's Authorization or Proxy-Authorization header
// against the subscriber secret. The challenge parameters are rebuilt from
// the credentials themselves, so no per-caller challenge state is kept.
func Verify(req *sip.Request, secret string) bool {
	h := req.GetHeader("Authorization")
	if h == nil {
		h = req.GetHeader("Proxy-Authorization")
	}
	if h == nil {
		return false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return false
	}

	chal := &digest.Challenge{
		Realm:     cred.Realm,
		Nonce:     cred.Nonce,
		Opaque:    cred.Opaque,
		Algorithm: cred.Algorithm,
	}
	if cred.QOP != "" {
		chal.QOP = []string{cred.QOP}
	}

	want, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      cred.URI,
		Username: cred.Username,
		Password: secret,
		Cnonce:   cred.Cnonce,
		Count:    cred.Nc,
	})
	if err != nil {
		return false
	}
	return want.Response == cred.Response
}

// CredentialsUsername extracts the username the caller authenticated as, or
// "" when the request carries no parseable credentials.
func CredentialsUsername(req *sip.Request) string {
	h := req.GetHeader("Authorization")
	if h == nil {
		h = req.GetHeader("Proxy-Authorization")
	}
	if h == nil {
		return ""
	}
	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return ""
	}
	return cred.Username
}
