package processor

import (
	"log/slog"
	"strconv"

	"github.com/emiago/sipgo/sip"

	"github.com/maniacs-oss/sipio/pkg/auth"
	"github.com/maniacs-oss/sipio/pkg/location"
	"github.com/maniacs-oss/sipio/pkg/registrar"
	"github.com/maniacs-oss/sipio/pkg/transport"
)

// handleRegister terminates REGISTER at this proxy: binding removal when
// the Contact is a wildcard or expiration is zero, a Digest challenge when
// credentials are absent, otherwise delegation to the registrar. REGISTER
// never creates a transaction context.
func (p *Processor) handleRegister(req *sip.Request, tx transport.ServerTx) {
	contact := req.Contact()
	to := req.To()
	if contact == nil || to == nil {
		p.respond(tx, req, 400, "Bad Request")
		return
	}

	aor := location.AORKey(to.Address)
	expires := registrar.Expires(req)

	wildcard := isWildcardContact(contact)

	// RFC 3261 10.3: a wildcard Contact is only valid with Expires: 0.
	if wildcard && expires > 0 {
		p.respond(tx, req, 400, "Bad Request")
		return
	}

	if expires <= 0 {
		if wildcard {
			p.loc.RemoveEndpoint(to.Address)
		} else {
			p.loc.RemoveEndpointContact(to.Address, contact.Address.String())
		}
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		res.AppendHeader(sip.HeaderClone(contact))
		res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
		p.send(tx, res)
		p.log.Debug("bindings removed",
			slog.String("aor", aor),
			slog.Bool("wildcard", wildcard))
		return
	}

	if !hasAuthorization(req) {
		p.challenge(tx, req)
		return
	}

	if !p.registrar.Register(req) {
		p.challenge(tx, req)
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.HeaderClone(contact))
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	p.send(tx, res)
}

// challenge rejects a REGISTER with a fresh Digest challenge.
func (p *Processor) challenge(tx transport.ServerTx, req *sip.Request) {
	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	challenge := auth.NewChallenge(p.cfg.Realm)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", challenge.String()))
	p.send(tx, res)
}

func hasAuthorization(req *sip.Request) bool {
	return req.GetHeader("Authorization") != nil
}

func isWildcardContact(contact *sip.ContactHeader) bool {
	return contact.Address.Wildcard || contact.Address.Host == "*"
}
