// Package transport defines the narrow view of the SIP transaction layer
// the engine consumes, plus its sipgo-backed implementation. The engine
// never blocks on I/O itself: every send is handed to the Provider.
package transport

import (
	"context"
	"errors"
	"syscall"

	"github.com/emiago/sipgo/sip"
)

// ServerTx is the inbound side of a transaction at the proxy.
type ServerTx interface {
	Respond(res *sip.Response) error
	Done() <-chan struct{}
}

// ClientTx is the outbound side of a transaction created for one forwarding
// branch.
type ClientTx interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Terminate()
}

// Provider is the transaction/transport collaborator contract.
type Provider interface {
	// ClientTransaction creates a client transaction for req and sends it.
	ClientTransaction(ctx context.Context, req *sip.Request) (ClientTx, error)

	// WriteRequest sends req statelessly, with no transaction.
	WriteRequest(req *sip.Request) error

	// WriteResponse sends res statelessly, routed by its topmost Via.
	WriteResponse(res *sip.Response) error

	// ListeningPoint returns the proxy's own address for the transport.
	ListeningPoint(transport string) (host string, port int)
}

// Send failures are classified so a failed branch can be logged precisely
// without aborting its fork siblings.
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrNoRouteToHost     = errors.New("no route to host")
)

// ClassifySendError maps a raw send error onto the typed taxonomy. Errors
// that fit no known class are returned unchanged.
func ClassifySendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return ErrNoRouteToHost
	}
	return err
}
