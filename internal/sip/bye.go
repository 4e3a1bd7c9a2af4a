package sip

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/wirepbx/wirepbx/internal/call"
)

// HandleBye ends an active call. The Call-ID is shared across both legs
// of a bridge, so the BYE's datagram source decides which side hung up
// and which side still needs a BYE from us.
func (h *InviteHandler) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	c := h.calls.Get(callID)
	if c == nil || !c.Active() {
		h.logger.Debug("bye for unknown call", "call_id", callID, "source", req.Source())
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	// Some phones send a stray BYE right after the mailbox menu
	// answers. The first one inside the window is acknowledged and
	// dropped so the session survives.
	if c.VoicemailAccess() && c.SpuriousBye(time.Now()) {
		h.logger.Info("ignoring spurious bye after answer",
			"call_id", callID,
			"source", req.Source(),
		)
		h.respondOK(req, tx)
		return
	}

	h.logger.Info("bye received",
		"call_id", callID,
		"source", req.Source(),
		"state", c.State().String(),
	)
	h.respondOK(req, tx)

	sess := h.sessions.Get(callID)
	disposition := byeDisposition(c)

	if sess == nil {
		h.calls.End(c, disposition)
		return
	}

	if up := sess.Upstream(); up != nil {
		if req.Source() == sess.CallerReq.Source() {
			// Caller hung up; tell the bridged callee.
			if err := up.Bye(); err != nil {
				h.logger.Error("failed to send bye to callee", "call_id", callID, "error", err)
			}
		} else {
			// Callee hung up; tell the caller.
			if err := h.dialer.ByeCaller(sess.CallerReq, sess.LocalTag()); err != nil {
				h.logger.Error("failed to send bye to caller", "call_id", callID, "error", err)
			}
		}
	}

	h.teardown(sess, disposition)
}

// byeDisposition derives the CDR disposition from where the call was
// when the BYE arrived.
func byeDisposition(c *call.Call) call.Disposition {
	if c.RoutedToVoicemail() {
		return call.DispositionVoicemail
	}
	switch c.State() {
	case call.StateConnected, call.StateHold, call.StateTransferring:
		return call.DispositionAnswered
	default:
		return call.DispositionCancelled
	}
}

func (h *InviteHandler) respondOK(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send 200 ok", "error", err)
	}
}
