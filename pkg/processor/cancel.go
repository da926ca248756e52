package processor

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/maniacs-oss/sipio/pkg/transport"
)

// handleCancel terminates a pending fork: every stored context whose
// server branch matches the CANCEL gets a 487 on its server transaction and
// a downstream CANCEL on a fresh client transaction. The CANCEL itself is
// answered with a single 200 regardless of how many branches matched.
func (p *Processor) handleCancel(req *sip.Request, tx transport.ServerTx) {
	branch := branchOf(req)
	for _, entry := range p.storage.FindByBranch(branch) {
		if !entry.MarkCancelling() {
			continue
		}
		p.respond(entry.ServerTx, entry.RequestIn, 487, "Request Terminated")

		cancel := buildCancel(entry.RequestOut)
		if _, err := p.provider.ClientTransaction(p.ctx, cancel); err != nil {
			p.metrics.SendFailed()
			p.log.Error("failed to send CANCEL downstream",
				slog.Any("error", transport.ClassifySendError(err)),
				slog.String("target", cancel.Recipient.String()))
		}
	}
	p.respond(tx, req, 200, "OK")
}

// buildCancel derives the hop-by-hop CANCEL for a forwarded request: same
// Request-URI, Via branch, Call-ID, From, To and CSeq number, with the
// method flipped to CANCEL.
func buildCancel(forwarded *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, forwarded.Recipient)
	cancel.SipVersion = forwarded.SipVersion

	if via := forwarded.Via(); via != nil {
		cancel.AppendHeader(sip.HeaderClone(via))
	}
	sip.CopyHeaders("From", forwarded, cancel)
	sip.CopyHeaders("To", forwarded, cancel)
	sip.CopyHeaders("Call-ID", forwarded, cancel)
	sip.CopyHeaders("Route", forwarded, cancel)
	if cseq := forwarded.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(forwarded.Transport())
	cancel.SetDestination(forwarded.Destination())
	return cancel
}
