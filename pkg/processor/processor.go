// Package processor is the request/response engine of the proxy: method
// dispatch, registration handling, Digest authentication, ACL enforcement,
// AOR resolution with forking, outbound request construction, CANCEL
// propagation and response relay.
package processor

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/maniacs-oss/sipio/pkg/acl"
	"github.com/maniacs-oss/sipio/pkg/auth"
	"github.com/maniacs-oss/sipio/pkg/config"
	"github.com/maniacs-oss/sipio/pkg/data"
	"github.com/maniacs-oss/sipio/pkg/location"
	"github.com/maniacs-oss/sipio/pkg/metrics"
	"github.com/maniacs-oss/sipio/pkg/model"
	"github.com/maniacs-oss/sipio/pkg/transport"
)

// Registrar is the accept/reject decision collaborator for REGISTER.
type Registrar interface {
	Register(req *sip.Request) bool
}

// Deps bundles the collaborators the engine is built from.
type Deps struct {
	Provider  transport.Provider
	Location  location.Service
	Registrar Registrar
	Data      data.APIs
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Processor dispatches inbound requests and relays responses. Safe for
// concurrent use: the transaction layer may deliver events for different
// calls from different goroutines.
type Processor struct {
	cfg        config.Config
	provider   transport.Provider
	loc        location.Service
	registrar  Registrar
	apis       data.APIs
	aclCheck   *acl.Checker
	challenges *auth.ChallengeHandler
	storage    *ContextStorage
	metrics    *metrics.Collector
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the engine. cfg is copied and never mutated afterwards.
func New(cfg config.Config, deps Deps) *Processor {
	cfg = cfg.WithDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:        cfg,
		provider:   deps.Provider,
		loc:        deps.Location,
		registrar:  deps.Registrar,
		apis:       deps.Data,
		aclCheck:   acl.NewChecker(cfg.AccessControlList),
		challenges: auth.NewChallengeHandler(auth.NewAccountManager(deps.Data.Gateways)),
		storage:    NewContextStorage(),
		metrics:    deps.Metrics,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close stops the engine's background work.
func (p *Processor) Close() {
	p.cancel()
}

// Storage exposes the context store, mainly for tests and introspection.
func (p *Processor) Storage() *ContextStorage {
	return p.storage
}

// HandleRequest is the top-level entry for one inbound request event. tx is
// nil for ACK, which has no server transaction.
func (p *Processor) HandleRequest(req *sip.Request, tx transport.ServerTx) {
	p.metrics.RequestReceived(req.Method.String())
	p.log.Debug("request received",
		slog.String("method", req.Method.String()),
		slog.String("source", req.Source()),
		slog.String("callID", callID(req)))

	requestOut := req.Clone()

	switch req.Method {
	case sip.REGISTER:
		p.handleRegister(req, tx)
	case sip.CANCEL:
		p.handleCancel(req, tx)
	default:
		p.forward(req, requestOut, tx)
	}
}

// forward runs the main pipeline: authenticate, enforce the domain ACL,
// resolve the address of record and hand each resolved route to
// processRoute. ACK skips authentication: it confirms a final response,
// has no server transaction and cannot be challenged.
func (p *Processor) forward(requestIn, requestOut *sip.Request, tx transport.ServerTx) {
	via := requestIn.Via()
	if via == nil {
		p.respond(tx, requestIn, 400, "Bad Request")
		return
	}
	viaTransport := strings.ToLower(via.Transport)
	host, port := p.provider.ListeningPoint(viaTransport)
	isACK := requestIn.Method == sip.ACK

	if !isACK && !p.authenticate(requestIn, tx) {
		return
	}

	aor := p.addressOfRecord(requestIn)

	if !isACK {
		switch res := p.apis.Domains.GetDomain(aor.Host); res.Status {
		case data.StatusOK:
			if !p.aclCheck.IPAllowed(res.Domain.AccessControlList, sourceHost(requestIn)) {
				p.respond(tx, requestIn, 401, "Unauthorized")
				return
			}
		case data.StatusUnavailable:
			p.respond(tx, requestIn, 503, "Service Unavailable")
			return
		}
		// Domain not found: the check is skipped. A deliberate
		// simplification, not a security guarantee.
	}

	// Loose routing: a Route header pointing at this proxy is consumed.
	if route, ok := requestIn.GetHeader("Route").(*sip.RouteHeader); ok {
		next := route.Address.Host
		if next == host || (p.cfg.ExternalHost != "" && next == p.cfg.ExternalHost) {
			requestOut.RemoveHeader("Route")
		}
	}

	if mf := requestOut.MaxForwards(); mf != nil && mf.Val() > 0 {
		// No cutoff is enforced beyond the header value itself. An
		// already-exhausted counter stays at zero rather than wrapping.
		mf.Dec()
	}

	if p.cfg.RecordRoute {
		rr := &sip.RecordRouteHeader{Address: sip.Uri{
			Host:      host,
			Port:      port,
			UriParams: sip.NewParams().Add("lr", ""),
		}}
		requestOut.AppendHeader(rr)
	}

	// Symmetric response routing per RFC 3581: request rport. The branch
	// parameter is set per forwarded branch in processRoute.
	requestOut.PrependHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(viaTransport),
		Host:            host,
		Port:            port,
		Params:          sip.NewParams().Add("rport", ""),
	})

	routes, err := p.loc.FindEndpoint(aor)
	if err != nil {
		p.log.Error("location lookup failed",
			slog.Any("error", err),
			slog.String("aor", location.AORKey(aor)))
		p.respond(tx, requestIn, 503, "Service Unavailable")
		return
	}
	if len(routes) == 0 {
		p.respond(tx, requestIn, 480, "Temporarily Unavailable")
		return
	}

	for _, route := range routes {
		if err := p.processRoute(requestIn, requestOut, tx, route); err != nil {
			// A failed branch does not abort its fork siblings.
			p.metrics.SendFailed()
			p.log.Error("branch send failed",
				slog.Any("error", transport.ClassifySendError(err)),
				slog.String("target", route.ContactURI.String()))
		}
	}
}

// processRoute builds the per-branch outbound request from the shared
// template and sends it: statelessly for ACK, on a fresh client transaction
// otherwise. A successful transactional send stores a Context.
func (p *Processor) processRoute(requestIn, template *sip.Request, tx transport.ServerTx, route location.Route) error {
	out := template.Clone()
	out.Recipient = route.ContactURI
	if via := out.Via(); via != nil {
		via.Params.Add("branch", sip.GenerateBranch())
	}
	if route.ThruGw {
		rewriteForGateway(requestIn, out, route)
	}
	out.SetDestination(destination(route.ContactURI))

	if requestIn.Method == sip.ACK {
		return p.provider.WriteRequest(out)
	}

	clientTx, err := p.provider.ClientTransaction(p.ctx, out)
	if err != nil {
		return err
	}

	entry := NewContext(tx, clientTx, requestIn.Method, requestIn, out, branchOf(requestIn))
	p.storage.Save(entry)
	p.metrics.BranchForwarded()
	p.metrics.ContextsActive(p.storage.Len())
	go p.watch(entry)

	p.log.Debug("request forwarded",
		slog.String("method", requestIn.Method.String()),
		slog.String("target", route.ContactURI.String()),
		slog.Bool("thruGw", route.ThruGw))
	return nil
}

// authenticate resolves the caller as a peer or an agent and verifies the
// Digest credentials. It responds and returns false on any rejection.
func (p *Processor) authenticate(req *sip.Request, tx transport.ServerTx) bool {
	from := req.From()
	if from == nil {
		p.respond(tx, req, 400, "Bad Request")
		return false
	}

	sub, status := p.resolveSubscriber(from.Address.User, from.Address.Host)
	switch status {
	case data.StatusUnavailable:
		p.respond(tx, req, 503, "Service Unavailable")
		return false
	case data.StatusNotFound:
		// Unknown caller identity: reject instead of attempting to
		// authenticate against nothing.
		p.respond(tx, req, 403, "Forbidden")
		return false
	}

	if !auth.Verify(req, sub.Credentials.Secret) {
		res := sip.NewResponseFromRequest(req, 407, "Proxy Authentication Required", nil)
		challenge := auth.NewChallenge(p.cfg.Realm)
		res.AppendHeader(sip.NewHeader("Proxy-Authenticate", challenge.String()))
		p.send(tx, res)
		return false
	}
	return true
}

// resolveSubscriber looks the caller up as a peer by username, then as an
// agent by (host, username).
func (p *Processor) resolveSubscriber(username, host string) (model.Subscriber, data.Status) {
	peer := p.apis.Peers.GetPeer(username)
	switch peer.Status {
	case data.StatusOK:
		return model.Subscriber{Kind: model.SubscriberPeer, Credentials: peer.Peer.Credentials}, data.StatusOK
	case data.StatusUnavailable:
		return model.Subscriber{}, data.StatusUnavailable
	}

	agent := p.apis.Agents.GetAgent(host, username)
	switch agent.Status {
	case data.StatusOK:
		return model.Subscriber{Kind: model.SubscriberAgent, Credentials: agent.Agent.Credentials}, data.StatusOK
	case data.StatusUnavailable:
		return model.Subscriber{}, data.StatusUnavailable
	}
	return model.Subscriber{}, data.StatusNotFound
}

// addressOfRecord picks the AOR: the first configured address-info header
// present on the request yields a tel: AOR overriding the To header.
func (p *Processor) addressOfRecord(req *sip.Request) sip.Uri {
	for _, name := range p.cfg.AddressInfo {
		if h := req.GetHeader(name); h != nil {
			return sip.Uri{Scheme: "tel", User: strings.TrimPrefix(h.Value(), "tel:")}
		}
	}
	if to := req.To(); to != nil {
		return to.Address
	}
	return sip.Uri{}
}

// watch consumes one branch's client transaction events and drives context
// cleanup when the owning server transaction terminates.
func (p *Processor) watch(entry *Context) {
	serverDone := chanOrNil(entry.ServerTx)
	for {
		select {
		case res, ok := <-entry.ClientTx.Responses():
			if !ok {
				p.dropEntry(entry)
				return
			}
			p.relayResponse(entry, res)
		case <-entry.ClientTx.Done():
			p.dropEntry(entry)
			return
		case <-serverDone:
			entry.MarkTerminated()
			if removed := p.storage.RemoveByServerTx(entry.ServerTx); removed == 0 {
				p.log.Debug("no context for terminated transaction",
					slog.String("branch", entry.ServerBranch))
			}
			p.metrics.ContextsActive(p.storage.Len())
			return
		}
	}
}

// dropEntry retires one branch whose client transaction ended.
func (p *Processor) dropEntry(entry *Context) {
	entry.MarkTerminated()
	p.storage.Remove(entry)
	p.metrics.ContextsActive(p.storage.Len())
}

func chanOrNil(tx transport.ServerTx) <-chan struct{} {
	if tx == nil {
		return nil
	}
	return tx.Done()
}

func (p *Processor) respond(tx transport.ServerTx, req *sip.Request, code int, reason string) {
	p.send(tx, sip.NewResponseFromRequest(req, code, reason, nil))
}

func (p *Processor) send(tx transport.ServerTx, res *sip.Response) {
	if tx == nil {
		return
	}
	if err := tx.Respond(res); err != nil {
		p.log.Error("failed to send response",
			slog.Any("error", err),
			slog.Int("status", res.StatusCode))
	}
}

// rewriteForGateway rewrites the outbound identities for carrier egress:
// From becomes the gateway account with the DID as display name, To keeps
// the original user on the gateway host, and a GwRef header carries the
// carrier reference.
func rewriteForGateway(requestIn, out *sip.Request, route location.Route) {
	if from := out.From(); from != nil {
		from.DisplayName = route.DID
		from.Address = sip.Uri{Scheme: "sip", User: route.GwUsername, Host: route.GwHost}
	}
	if to := out.To(); to != nil {
		user := to.Address.User
		if origTo := requestIn.To(); origTo != nil {
			user = origTo.Address.User
		}
		to.Address = sip.Uri{Scheme: "sip", User: user, Host: route.GwHost}
	}
	out.RemoveHeader("GwRef")
	out.AppendHeader(sip.NewHeader("GwRef", route.GwRef))
}

func branchOf(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			return branch
		}
	}
	return ""
}

func sourceHost(req *sip.Request) string {
	src := req.Source()
	if host, _, err := net.SplitHostPort(src); err == nil {
		return host
	}
	return src
}

func destination(uri sip.Uri) string {
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port))
}

func callID(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return id.Value()
	}
	return ""
}
