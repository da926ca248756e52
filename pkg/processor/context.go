package processor

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/maniacs-oss/sipio/pkg/transport"
)

// Branch lifecycle states. A context is created in StateForwarded; CANCEL
// propagation moves it to StateCancelling exactly once, and server
// transaction termination ends it.
const (
	StateForwarded  = "forwarded"
	StateCancelling = "cancelling"
	StateTerminated = "terminated"
)

// Context correlates one inbound server transaction with one outbound
// client transaction created for a single forwarding branch. All contexts
// of a forked call share the same ServerTx. The store does not own the
// server transaction's lifecycle; removal is driven by its termination.
type Context struct {
	ID           string
	ServerTx     transport.ServerTx
	ClientTx     transport.ClientTx
	Method       sip.RequestMethod
	RequestIn    *sip.Request
	RequestOut   *sip.Request
	ServerBranch string

	// AuthAttempts counts transparent re-authentications toward the next
	// hop. Only the branch watcher goroutine touches it.
	AuthAttempts int

	state *fsm.FSM
}

// NewContext builds a Context in the forwarded state.
func NewContext(serverTx transport.ServerTx, clientTx transport.ClientTx,
	method sip.RequestMethod, requestIn, requestOut *sip.Request, serverBranch string) *Context {
	return &Context{
		ID:           uuid.NewString(),
		ServerTx:     serverTx,
		ClientTx:     clientTx,
		Method:       method,
		RequestIn:    requestIn,
		RequestOut:   requestOut,
		ServerBranch: serverBranch,
		state: fsm.NewFSM(
			StateForwarded,
			fsm.Events{
				{Name: "cancel", Src: []string{StateForwarded}, Dst: StateCancelling},
				{Name: "terminate", Src: []string{StateForwarded, StateCancelling}, Dst: StateTerminated},
			},
			fsm.Callbacks{},
		),
	}
}

// MarkCancelling transitions the branch into the cancelling state. It
// returns false when the branch was already cancelled or terminated, which
// guards against sending a second downstream CANCEL for the same branch.
func (c *Context) MarkCancelling() bool {
	return c.state.Event(context.Background(), "cancel") == nil
}

// MarkTerminated ends the branch lifecycle.
func (c *Context) MarkTerminated() {
	_ = c.state.Event(context.Background(), "terminate")
}

// State returns the current branch lifecycle state.
func (c *Context) State() string {
	return c.state.Current()
}
