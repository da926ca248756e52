package processor

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// relayResponse forwards one downstream response upstream. Provisional
// 100s and 487s stay hop-local, as do responses to CANCEL. Gateway Digest
// challenges are answered transparently before anything is relayed.
func (p *Processor) relayResponse(entry *Context, res *sip.Response) {
	if res.StatusCode == 100 || res.StatusCode == 487 {
		return
	}
	if cseq := res.CSeq(); cseq != nil && cseq.MethodName == sip.CANCEL {
		return
	}
	if res.StatusCode == 401 || res.StatusCode == 407 {
		if p.reauthenticate(entry, res) {
			return
		}
	}

	out := res.Clone()
	out.RemoveHeader("Via")
	if out.Via() == nil {
		// This proxy was the last hop; there is no upstream Via left.
		return
	}

	if entry.ServerTx != nil {
		p.send(entry.ServerTx, out)
	} else if err := p.provider.WriteResponse(out); err != nil {
		p.metrics.SendFailed()
		p.log.Error("stateless response relay failed",
			slog.Any("error", err),
			slog.Int("status", out.StatusCode))
		return
	}
	p.metrics.ResponseRelayed(res.StatusCode)
}

// reauthenticate answers a 401/407 from a gateway with the configured
// account credentials on a brand new client transaction, replacing the
// branch context. Returns false when the challenge cannot be answered, in
// which case the response is relayed upstream as-is.
func (p *Processor) reauthenticate(entry *Context, res *sip.Response) bool {
	if entry.AuthAttempts >= p.cfg.MaxAuthAttempts {
		p.log.Warn("giving up on gateway challenge",
			slog.Int("attempts", entry.AuthAttempts),
			slog.String("callID", callID(entry.RequestOut)))
		return false
	}

	retry, err := p.challenges.Handle(res, entry.RequestOut)
	if err != nil {
		p.log.Debug("challenge not answerable",
			slog.Any("error", err),
			slog.String("host", entry.RequestOut.Recipient.Host))
		return false
	}

	clientTx, err := p.provider.ClientTransaction(p.ctx, retry)
	if err != nil {
		p.metrics.SendFailed()
		p.log.Error("failed to resend authenticated request",
			slog.Any("error", err))
		return false
	}

	p.storage.Remove(entry)
	next := NewContext(entry.ServerTx, clientTx, entry.Method, entry.RequestIn, retry, entry.ServerBranch)
	next.AuthAttempts = entry.AuthAttempts + 1
	p.storage.Save(next)
	p.metrics.ContextsActive(p.storage.Len())
	go p.watch(next)

	p.log.Debug("answered gateway challenge",
		slog.Int("attempt", next.AuthAttempts),
		slog.String("host", retry.Recipient.Host))
	return true
}
