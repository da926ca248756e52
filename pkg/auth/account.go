package auth

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/maniacs-oss/sipio/pkg/data"
)

// ErrNoAccount is returned when no gateway account matches the challenged
// request's target host.
var ErrNoAccount = errors.New("no account for challenged host")

// AccountManager resolves the proxy's own outbound credentials, used to
// answer challenges issued by upstream carriers.
type AccountManager struct {
	gateways data.Gateways
}

// NewAccountManager builds an AccountManager over the gateways API.
func NewAccountManager(gateways data.Gateways) *AccountManager {
	return &AccountManager{gateways: gateways}
}

// CredentialsFor returns the username/secret pair for the gateway at host.
func (am *AccountManager) CredentialsFor(host string) (username, secret string, err error) {
	res := am.gateways.GetGatewayByHost(host)
	if res.Status != data.StatusOK {
		return "", "", fmt.Errorf("%w: %s", ErrNoAccount, host)
	}
	return res.Gateway.Credentials.Username, res.Gateway.Credentials.Secret, nil
}

// ChallengeHandler answers 401/407 responses received on the proxy's own
// outbound requests. Handle returns a re-authenticated copy of the original
// request, ready to be sent on a fresh client transaction.
type ChallengeHandler struct {
	accounts *AccountManager
}

// NewChallengeHandler builds a ChallengeHandler bound to the account manager.
func NewChallengeHandler(accounts *AccountManager) *ChallengeHandler {
	return &ChallengeHandler{accounts: accounts}
}

// Handle computes Digest credentials for the challenge carried by res and
// returns a clone of req with the matching authorization header attached and
// the CSeq sequence number incremented.
func (h *ChallengeHandler) Handle(res *sip.Response, req *sip.Request) (*sip.Request, error) {
	challengeName, credentialName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeName, credentialName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	challengeHeader := res.GetHeader(challengeName)
	if challengeHeader == nil {
		return nil, fmt.Errorf("response %d carries no %s header", res.StatusCode, challengeName)
	}
	chal, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}

	username, secret, err := h.accounts.CredentialsFor(req.Recipient.Host)
	if err != nil {
		return nil, err
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: secret,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	out := req.Clone()
	out.RemoveHeader(credentialName)
	out.AppendHeader(sip.NewHeader(credentialName, cred.String()))
	if cseq := out.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	// The retry is a new transaction and needs its own branch.
	if via := out.Via(); via != nil {
		via.Params.Add("branch", sip.GenerateBranch())
	}
	return out, nil
}
