package processor

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/maniacs-oss/sipio/pkg/transport"
)

// mockServerTx records responses sent on the inbound transaction.
type mockServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	closeOnce sync.Once
}

func newMockServerTx() *mockServerTx {
	return &mockServerTx{done: make(chan struct{})}
}

func (t *mockServerTx) Respond(res *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, res)
	return nil
}

func (t *mockServerTx) Done() <-chan struct{} { return t.done }

func (t *mockServerTx) terminate() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *mockServerTx) sent() []*sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*sip.Response, len(t.responses))
	copy(out, t.responses)
	return out
}

func (t *mockServerTx) lastStatus() int {
	sent := t.sent()
	if len(sent) == 0 {
		return 0
	}
	return sent[len(sent)-1].StatusCode
}

// mockClientTx is one outbound branch. Tests push downstream responses
// into the responses channel to drive the branch watcher.
type mockClientTx struct {
	request   *sip.Request
	responses chan *sip.Response
	done      chan struct{}
	closeOnce sync.Once
}

func newMockClientTx(req *sip.Request) *mockClientTx {
	return &mockClientTx{
		request:   req,
		responses: make(chan *sip.Response, 4),
		done:      make(chan struct{}),
	}
}

func (t *mockClientTx) Responses() <-chan *sip.Response { return t.responses }
func (t *mockClientTx) Done() <-chan struct{}           { return t.done }

func (t *mockClientTx) Terminate() {
	t.closeOnce.Do(func() { close(t.done) })
}

// mockProvider records everything the engine sends and hands out
// mockClientTx instances for transactional sends.
type mockProvider struct {
	mu           sync.Mutex
	transactions []*mockClientTx
	requests     []*sip.Request
	statelessReq []*sip.Request
	statelessRes []*sip.Response
	failFor      map[string]error

	host string
	port int
}

func newMockProvider() *mockProvider {
	return &mockProvider{host: "10.0.0.1", port: 5060, failFor: map[string]error{}}
}

func (p *mockProvider) ClientTransaction(_ context.Context, req *sip.Request) (transport.ClientTx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[req.Recipient.Host]; err != nil {
		return nil, err
	}
	tx := newMockClientTx(req)
	p.transactions = append(p.transactions, tx)
	p.requests = append(p.requests, req)
	return tx, nil
}

func (p *mockProvider) WriteRequest(req *sip.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[req.Recipient.Host]; err != nil {
		return err
	}
	p.statelessReq = append(p.statelessReq, req)
	return nil
}

func (p *mockProvider) WriteResponse(res *sip.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statelessRes = append(p.statelessRes, res)
	return nil
}

func (p *mockProvider) ListeningPoint(string) (string, int) {
	return p.host, p.port
}

func (p *mockProvider) sentRequests() []*sip.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sip.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *mockProvider) sentTransactions() []*mockClientTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*mockClientTx, len(p.transactions))
	copy(out, p.transactions)
	return out
}

func (p *mockProvider) statelessRequests() []*sip.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sip.Request, len(p.statelessReq))
	copy(out, p.statelessReq)
	return out
}

func (p *mockProvider) statelessResponses() []*sip.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*sip.Response, len(p.statelessRes))
	copy(out, p.statelessRes)
	return out
}

// newTestRequest builds a minimal well-formed request the way a remote
// user agent would send it.
func newTestRequest(method sip.RequestMethod, fromUser, fromHost, toUser, toHost string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: toUser, Host: toHost})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.168.1.10",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK."+string(method)+".1"),
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: fromUser, Host: fromHost},
		Params:  sip.NewParams().Add("tag", "tag-"+fromUser),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: toUser, Host: toHost},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("call-" + fromUser + "-" + toUser)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetTransport("UDP")
	req.SetSource("192.168.1.10:5060")
	return req
}

// authorize attaches valid Proxy-Authorization credentials for the secret.
func authorize(req *sip.Request, realm, username, secret string) {
	chal := &digest.Challenge{Realm: realm, Nonce: "abc123", Algorithm: "MD5"}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: secret,
	})
	if err != nil {
		panic(err)
	}
	req.AppendHeader(sip.NewHeader("Proxy-Authorization", cred.String()))
}
