package transport

import (
	"context"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SipgoProvider adapts a sipgo client/server pair to the Provider contract.
// Requests handed to it are fully formed (Via, Route, Max-Forwards already
// set by the engine), so the sipgo request builder is bypassed.
type SipgoProvider struct {
	client *sipgo.Client
	server *sipgo.Server
	host   string
	port   int
}

// NewSipgoProvider wraps the sipgo stack listening on host:port.
func NewSipgoProvider(server *sipgo.Server, client *sipgo.Client, host string, port int) *SipgoProvider {
	return &SipgoProvider{client: client, server: server, host: host, port: port}
}

// requestUnmodified suppresses sipgo's default request mutation; the engine
// owns every header on its outbound requests.
func requestUnmodified(*sipgo.Client, *sip.Request) error { return nil }

func (p *SipgoProvider) ClientTransaction(ctx context.Context, req *sip.Request) (ClientTx, error) {
	tx, err := p.client.TransactionRequest(ctx, req, requestUnmodified)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (p *SipgoProvider) WriteRequest(req *sip.Request) error {
	return p.client.WriteRequest(req, requestUnmodified)
}

func (p *SipgoProvider) WriteResponse(res *sip.Response) error {
	return p.server.TransportLayer().WriteMsg(res)
}

func (p *SipgoProvider) ListeningPoint(string) (string, int) {
	// Single listening point; the transport argument picks the protocol,
	// not the address.
	return p.host, p.port
}
