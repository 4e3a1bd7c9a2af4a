package sip

import (
	"github.com/emiago/sipgo/sip"

	"github.com/wirepbx/wirepbx/internal/call"
)

// HandleCancel aborts a call that has not been answered yet: 200 to the
// CANCEL itself, 487 on the pending INVITE transaction, and the
// upstream ring is abandoned.
func (h *InviteHandler) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	sess := h.sessions.Remove(callID)
	if sess == nil {
		h.logger.Debug("cancel for unknown call", "call_id", callID, "source", req.Source())
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	h.logger.Info("cancel received",
		"call_id", callID,
		"source", req.Source(),
		"state", sess.Call.State().String(),
	)

	h.respondOK(req, tx)

	terminated := sip.NewResponseFromRequest(sess.CallerReq, 487, "Request Terminated", nil)
	if err := sess.CallerTx.Respond(terminated); err != nil {
		h.logger.Debug("failed to send 487", "call_id", callID, "error", err)
	}

	// Aborting the ring context makes Dial CANCEL the upstream leg and
	// return; the dial path sees the session gone and stops there.
	h.calls.End(sess.Call, call.DispositionCancelled)
	sess.CancelRing()
	sess.StopWorker()
	h.relays.Stop(callID)
	sess.releaseMedia(h.allocator)
}
