package sip

import (
	"github.com/emiago/sipgo/sip"

	"github.com/wirepbx/wirepbx/internal/media"
)

// HandleInfo processes SIP INFO DTMF and feeds the digit to the call's
// IVR session. INFO for a dead call is acknowledged and dropped; the
// phone retransmitting it gains nothing from an error.
func (h *InviteHandler) HandleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	c := h.calls.Get(callID)
	if c == nil || !c.Active() {
		h.logger.Debug("info for dead call", "call_id", callID, "source", req.Source())
		h.respondOK(req, tx)
		return
	}

	contentType := ""
	if ct := req.ContentType(); ct != nil {
		contentType = ct.Value()
	}

	info, err := media.ParseSIPInfoDTMF(contentType, req.Body())
	if err != nil {
		h.logger.Warn("unparseable info body",
			"call_id", callID,
			"content_type", contentType,
			"error", err,
		)
		h.respondError(req, tx, 400, "Bad Request")
		return
	}

	if !c.PushDigit(info.Digit) {
		h.logger.Warn("dtmf queue full, digit dropped",
			"call_id", callID,
			"digit", string(info.Digit),
		)
	} else {
		h.logger.Debug("dtmf via info",
			"call_id", callID,
			"digit", string(info.Digit),
			"duration_ms", info.Duration,
		)
	}

	h.respondOK(req, tx)
}
