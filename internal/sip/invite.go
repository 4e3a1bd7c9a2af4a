package sip

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/wirepbx/wirepbx/internal/audio"
	"github.com/wirepbx/wirepbx/internal/call"
	"github.com/wirepbx/wirepbx/internal/database"
	"github.com/wirepbx/wirepbx/internal/ivr"
	"github.com/wirepbx/wirepbx/internal/media"
	"github.com/wirepbx/wirepbx/internal/voicemail"
)

// InviteConfig carries the dialplan and media settings the INVITE
// handler needs.
type InviteConfig struct {
	MediaIP      string
	SIPPort      int
	NoAnswer     time.Duration
	MaxRecord    time.Duration
	DTMFDebounce time.Duration
	ILBCMode     int

	// DTMFPayloadType is the telephone-event payload type assumed for
	// phones that send RFC 2833 without advertising it in their offer.
	DTMFPayloadType int
}

// InviteHandler processes INVITE requests: dialplan classification,
// the bridged extension-to-extension path and the server-answered
// voicemail paths.
type InviteHandler struct {
	cfg        InviteConfig
	extensions database.ExtensionRepository
	calls      *call.Manager
	registrar  *Registrar
	auth       *Authenticator
	router     *Router
	dialer     *Dialer
	allocator  *media.PortAllocator
	relays     *media.RelayManager
	sessions   *SessionTable
	prompts    *audio.Prompts
	store      *voicemail.Store
	logger     *slog.Logger
}

// NewInviteHandler wires the INVITE processing chain.
func NewInviteHandler(
	cfg InviteConfig,
	extensions database.ExtensionRepository,
	calls *call.Manager,
	registrar *Registrar,
	auth *Authenticator,
	router *Router,
	dialer *Dialer,
	allocator *media.PortAllocator,
	relays *media.RelayManager,
	sessions *SessionTable,
	prompts *audio.Prompts,
	store *voicemail.Store,
	logger *slog.Logger,
) *InviteHandler {
	return &InviteHandler{
		cfg:        cfg,
		extensions: extensions,
		calls:      calls,
		registrar:  registrar,
		auth:       auth,
		router:     router,
		dialer:     dialer,
		allocator:  allocator,
		relays:     relays,
		sessions:   sessions,
		prompts:    prompts,
		store:      store,
		logger:     logger.With("subsystem", "invite"),
	}
}

// HandleInvite is the entry point for all INVITE requests.
func (h *InviteHandler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	// An INVITE inside an existing dialog is a renegotiation, not a
	// new call.
	if sess := h.sessions.Get(callID); sess != nil && hasToTag(req) {
		h.handleReInvite(req, tx, sess)
		return
	}

	h.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// 100 Trying stops UAC retransmissions (RFC 3261 §8.2.6.1).
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		h.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	// The offer must parse before any routing happens.
	var offer *media.SessionDescription
	if len(req.Body()) > 0 {
		var err error
		offer, err = media.ParseSDP(req.Body())
		if err != nil {
			h.logger.Warn("malformed sdp offer",
				"call_id", callID,
				"source", req.Source(),
				"error", err,
			)
			h.respondError(req, tx, 400, "Bad Request")
			return
		}
	}
	if offer == nil {
		h.logger.Warn("invite without sdp offer", "call_id", callID)
		h.respondError(req, tx, 400, "Bad Request")
		return
	}

	caller := h.auth.Authenticate(req, tx)
	if caller == nil {
		return
	}

	dest := h.router.Classify(req.Recipient.User)

	h.logger.Info("invite classified",
		"call_id", callID,
		"caller", caller.Extension,
		"dialed", req.Recipient.User,
		"route", dest.Kind.String(),
	)

	switch dest.Kind {
	case RouteVoicemailAccess:
		h.handleVoicemailAccess(req, tx, callID, caller.Extension, dest.Extension, offer)

	case RouteInternal:
		h.handleInternal(req, tx, callID, caller.Extension, dest.Extension, offer)

	case RouteEmergency:
		// No PSTN trunk exists to carry the call.
		h.logger.Warn("emergency call with no trunk configured",
			"call_id", callID,
			"caller", caller.Extension,
			"dialed", req.Recipient.User,
		)
		h.respondError(req, tx, 503, "Service Unavailable")

	case RouteAttendant, RouteParking, RouteQueue:
		// Recognized feature codes with no backing service.
		h.logger.Info("unsupported feature code dialed",
			"call_id", callID,
			"route", dest.Kind.String(),
			"dialed", req.Recipient.User,
		)
		h.respondError(req, tx, 404, "Not Found")

	default:
		h.respondError(req, tx, 404, "Not Found")
	}
}

// handleVoicemailAccess answers immediately and runs the mailbox menu.
func (h *InviteHandler) handleVoicemailAccess(req *sip.Request, tx sip.ServerTransaction, callID, callerExt, boxExt string, offer *media.SessionDescription) {
	ctx := context.Background()

	box, err := h.extensions.GetByExtension(ctx, boxExt)
	if err != nil {
		h.logger.Error("mailbox lookup failed", "call_id", callID, "extension", boxExt, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	if box == nil {
		h.respondError(req, tx, 404, "Not Found")
		return
	}

	c, err := h.calls.New(callID, callerExt, "*"+boxExt)
	if err != nil {
		h.logger.Warn("rejecting invite with duplicate call-id", "call_id", callID)
		h.respondError(req, tx, 400, "Bad Request")
		return
	}
	c.SetVoicemailAccess()
	h.calls.SetState(c, call.StateCalling)

	sess := &Session{CallID: callID, Call: c, CallerReq: req, CallerTx: tx}
	h.sessions.Add(sess)

	endpoint, ok := h.answerWithEndpoint(req, tx, sess, offer)
	if !ok {
		return
	}

	mailbox := h.store.Mailbox(ctx, boxExt)
	ivrSession := ivr.NewSession(callID, mailbox, endpoint, c.Digits(), h.prompts, ivr.SessionConfig{
		Debounce:  h.cfg.DTMFDebounce,
		MaxRecord: h.cfg.MaxRecord,
	}, h.logger)
	ivrSession.OnHangup = func() {
		h.hangupFromServer(sess, call.DispositionAnswered)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	sess.SetWorkerCancel(cancel)
	go ivrSession.Run(workerCtx)
}

// handleInternal bridges an extension-to-extension call, diverting to
// voicemail recording when the callee is unregistered or does not
// answer within the ring window.
func (h *InviteHandler) handleInternal(req *sip.Request, tx sip.ServerTransaction, callID, callerExt, dest string, offer *media.SessionDescription) {
	ctx := context.Background()

	target, err := h.extensions.GetByExtension(ctx, dest)
	if err != nil {
		h.logger.Error("extension lookup failed", "call_id", callID, "extension", dest, "error", err)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}
	if target == nil {
		h.respondError(req, tx, 404, "Not Found")
		return
	}

	c, err := h.calls.New(callID, callerExt, dest)
	if err != nil {
		h.logger.Warn("rejecting invite with duplicate call-id", "call_id", callID)
		h.respondError(req, tx, 400, "Bad Request")
		return
	}
	h.calls.SetState(c, call.StateCalling)

	sess := &Session{CallID: callID, Call: c, CallerReq: req, CallerTx: tx}
	h.sessions.Add(sess)

	binding := h.registrar.Lookup(dest)
	if binding == nil {
		h.logger.Info("callee unregistered, diverting to voicemail",
			"call_id", callID,
			"extension", dest,
		)
		h.divertToVoicemail(req, tx, sess, callerExt, dest, offer)
		return
	}

	// The callee's RTP must flow through the relay: rewrite the
	// caller's offer before forwarding.
	pair, err := h.allocator.Allocate()
	if err != nil {
		h.failAllocation(req, tx, sess, err)
		return
	}

	calleeSDP, err := media.RewriteMedia(req.Body(), h.cfg.MediaIP, pair.RTPPort)
	if err != nil {
		h.allocator.Release(pair)
		h.logger.Error("rewriting caller sdp", "call_id", callID, "error", err)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	ringCtx, cancelRing := context.WithTimeout(ctx, h.cfg.NoAnswer)
	defer cancelRing()
	sess.SetRingCancel(cancelRing)

	result, err := h.dialer.Dial(ringCtx, binding, callerExt, callID, calleeSDP, func(status int, reason string) {
		h.calls.SetState(c, call.StateRinging)
		ringing := sip.NewResponseFromRequest(req, status, reason, nil)
		if err := tx.Respond(ringing); err != nil {
			h.logger.Error("failed to relay ringing", "call_id", callID, "error", err)
		}
	})

	// The CANCEL handler may have removed the session while we rang.
	if h.sessions.Get(callID) == nil {
		h.allocator.Release(pair)
		if err == nil && result.Leg != nil {
			result.Leg.Ack()
			result.Leg.Bye()
		}
		return
	}

	if err != nil {
		h.allocator.Release(pair)
		h.logger.Error("upstream dial failed", "call_id", callID, "error", err)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	switch {
	case result.Leg != nil:
		h.bridgeAnswered(req, tx, sess, pair, offer, result.Leg)

	case result.Busy:
		h.allocator.Release(pair)
		h.teardown(sess, call.DispositionBusy)
		h.respondError(req, tx, 486, "Busy Here")

	case result.Rejected != 0:
		h.allocator.Release(pair)
		h.teardown(sess, call.DispositionRejected)
		h.respondError(req, tx, 480, "Temporarily Unavailable")

	default:
		// Ring window elapsed with no answer: the upstream leg is
		// already cancelled, the caller goes to voicemail.
		h.logger.Info("no answer, diverting to voicemail",
			"call_id", callID,
			"extension", dest,
			"ring_seconds", int(h.cfg.NoAnswer.Seconds()),
		)
		h.allocator.Release(pair)
		h.divertToVoicemail(req, tx, sess, callerExt, dest, offer)
	}
}

// bridgeAnswered completes the B2B bridge after the callee sent 2xx.
func (h *InviteHandler) bridgeAnswered(req *sip.Request, tx sip.ServerTransaction, sess *Session, pair *media.PortPair, offer *media.SessionDescription, leg *UpstreamLeg) {
	callID := sess.CallID

	if err := leg.Ack(); err != nil {
		h.allocator.Release(pair)
		h.logger.Error("failed to ack callee", "call_id", callID, "error", err)
		leg.Terminate()
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	answer, err := media.ParseSDP(leg.Response().Body())
	if err != nil {
		h.logger.Error("malformed sdp answer from callee", "call_id", callID, "error", err)
		leg.Bye()
		h.allocator.Release(pair)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	callerAddr, errA := offer.AudioEndpoint()
	calleeAddr, errB := answer.AudioEndpoint()
	if errA != nil || errB != nil {
		h.logger.Error("missing audio endpoint in sdp", "call_id", callID)
		leg.Bye()
		h.allocator.Release(pair)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	callerBody, err := media.RewriteMedia(leg.Response().Body(), h.cfg.MediaIP, pair.RTPPort)
	if err != nil {
		h.logger.Error("rewriting callee sdp", "call_id", callID, "error", err)
		leg.Bye()
		h.allocator.Release(pair)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	sess.SetUpstream(leg)

	// Only the negotiated payload types cross the relay.
	var allowed []int
	if m := answer.AudioMedia(); m != nil {
		allowed = append(allowed, m.Formats...)
	}
	h.relays.Start(callID, pair, callerAddr, calleeAddr, allowed)

	ok := sip.NewResponseFromRequest(req, 200, "OK", callerBody)
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	h.addAnswerIdentity(ok, sess, req.To().Address.User)

	if err := tx.Respond(ok); err != nil {
		h.logger.Error("failed to relay 200 ok", "call_id", callID, "error", err)
		leg.Bye()
		h.relays.Stop(callID)
		h.teardown(sess, call.DispositionFailed)
		return
	}

	h.calls.SetState(sess.Call, call.StateConnected)

	h.logger.Info("call bridged",
		"call_id", callID,
		"caller", sess.Call.FromExt,
		"callee", sess.Call.ToExt,
		"relay_port", pair.RTPPort,
	)
}

// divertToVoicemail answers the caller and records a message for dest.
func (h *InviteHandler) divertToVoicemail(req *sip.Request, tx sip.ServerTransaction, sess *Session, callerExt, dest string, offer *media.SessionDescription) {
	ctx := context.Background()
	callID := sess.CallID

	sess.Call.SetRoutedToVoicemail()

	endpoint, ok := h.answerWithEndpoint(req, tx, sess, offer)
	if !ok {
		return
	}

	greeting, err := h.store.Greeting(ctx, dest)
	if err != nil {
		h.logger.Warn("loading greeting, using default beep",
			"call_id", callID,
			"extension", dest,
			"error", err,
		)
		greeting = nil
	}

	rec := ivr.NewRecordSession(callID, dest, callerExt, greeting, h.store, endpoint, sess.Call.Digits(), h.prompts, ivr.SessionConfig{
		Debounce:  h.cfg.DTMFDebounce,
		MaxRecord: h.cfg.MaxRecord,
	}, h.logger)

	workerCtx, cancel := context.WithCancel(ctx)
	sess.SetWorkerCancel(cancel)

	go func() {
		id, err := rec.Run(workerCtx)
		switch {
		case err == nil:
			h.logger.Info("voicemail recorded",
				"call_id", callID,
				"extension", dest,
				"message_id", id,
			)
		case errors.Is(err, ivr.ErrNothingRecorded):
			h.logger.Info("caller left no message", "call_id", callID, "extension", dest)
		default:
			h.logger.Error("voicemail recording failed",
				"call_id", callID,
				"extension", dest,
				"error", err,
			)
		}

		// The recording ended on '#' or the cap; a caller hangup has
		// already torn the session down.
		if sess.Call.Active() {
			h.hangupFromServer(sess, call.DispositionVoicemail)
		}
	}()
}

// answerWithEndpoint allocates media, answers the caller with our SDP
// and starts a server-side endpoint. On failure the SIP error has been
// sent and the call ended.
func (h *InviteHandler) answerWithEndpoint(req *sip.Request, tx sip.ServerTransaction, sess *Session, offer *media.SessionDescription) (*media.Endpoint, bool) {
	callID := sess.CallID

	pair, err := h.allocator.Allocate()
	if err != nil {
		h.failAllocation(req, tx, sess, err)
		return nil, false
	}

	answer, err := media.BuildAnswer(offer, media.AnswerParams{
		Address:  h.cfg.MediaIP,
		Port:     pair.RTPPort,
		ILBCMode: h.cfg.ILBCMode,
	})
	if err != nil {
		h.allocator.Release(pair)
		h.logger.Error("no usable codec in offer", "call_id", callID, "error", err)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 500, "Internal Server Error")
		return nil, false
	}

	remote, err := offer.AudioEndpoint()
	if err != nil {
		h.allocator.Release(pair)
		h.logger.Error("offer has no audio endpoint", "call_id", callID, "error", err)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 400, "Bad Request")
		return nil, false
	}

	// The endpoint speaks PCMU or PCMA; anything else in the answer is
	// pass-through only and unusable for prompts.
	audioPT := -1
	if m := answer.AudioMedia(); m != nil {
		for _, pt := range m.Formats {
			if pt == media.PayloadPCMU || pt == media.PayloadPCMA {
				audioPT = pt
				break
			}
		}
	}
	if audioPT < 0 {
		h.allocator.Release(pair)
		h.logger.Error("offer carries no g711 codec", "call_id", callID)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 500, "Internal Server Error")
		return nil, false
	}

	dtmfPT := dtmfPayloadType(offer, h.cfg.DTMFPayloadType)

	ok := sip.NewResponseFromRequest(req, 200, "OK", answer.Marshal())
	ok.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	h.addAnswerIdentity(ok, sess, req.To().Address.User)

	if err := tx.Respond(ok); err != nil {
		h.allocator.Release(pair)
		h.logger.Error("failed to send 200 ok", "call_id", callID, "error", err)
		h.teardown(sess, call.DispositionFailed)
		return nil, false
	}

	h.calls.SetState(sess.Call, call.StateConnected)

	endpoint := media.NewEndpoint(callID, pair, remote, audioPT, dtmfPT, h.cfg.MaxRecord, h.logger)
	sess.SetMedia(endpoint, pair)
	endpoint.Start()
	return endpoint, true
}

// handleReInvite renegotiates an existing dialog: hold when the SDP
// asks for it, resume otherwise. The previous answer is repeated since
// our media endpoint never moves.
func (h *InviteHandler) handleReInvite(req *sip.Request, tx sip.ServerTransaction, sess *Session) {
	callID := sess.CallID

	offer, err := media.ParseSDP(req.Body())
	if len(req.Body()) > 0 && err != nil {
		h.respondError(req, tx, 400, "Bad Request")
		return
	}

	hold := offer != nil && sdpRequestsHold(offer)
	state := call.StateConnected
	if hold {
		state = call.StateHold
	}
	if err := h.calls.SetState(sess.Call, state); err != nil {
		h.logger.Warn("re-invite in invalid state",
			"call_id", callID,
			"state", sess.Call.State().String(),
			"hold", hold,
		)
		h.respondError(req, tx, 400, "Bad Request")
		return
	}

	h.logger.Info("re-invite processed", "call_id", callID, "hold", hold)

	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	h.addAnswerIdentity(ok, sess, req.To().Address.User)
	if err := tx.Respond(ok); err != nil {
		h.logger.Error("failed to respond to re-invite", "call_id", callID, "error", err)
	}
}

// sdpRequestsHold reports whether an offer puts the media on hold:
// sendonly/inactive direction or the 0.0.0.0 convention.
func sdpRequestsHold(offer *media.SessionDescription) bool {
	if offer.Connection != nil && offer.Connection.Address == "0.0.0.0" {
		return true
	}
	m := offer.AudioMedia()
	if m == nil {
		return false
	}
	if m.Connection != nil && m.Connection.Address == "0.0.0.0" {
		return true
	}
	return m.Direction == "sendonly" || m.Direction == "inactive"
}

// failAllocation maps a port allocation error to its SIP response.
func (h *InviteHandler) failAllocation(req *sip.Request, tx sip.ServerTransaction, sess *Session, err error) {
	if errors.Is(err, media.ErrPortsExhausted) {
		h.logger.Warn("rtp ports exhausted", "call_id", sess.CallID)
		h.teardown(sess, call.DispositionFailed)
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}
	h.logger.Error("rtp allocation failed", "call_id", sess.CallID, "error", err)
	h.teardown(sess, call.DispositionFailed)
	h.respondError(req, tx, 500, "Internal Server Error")
}

// hangupFromServer ends a server-answered call from our side: BYE to
// the caller, then teardown.
func (h *InviteHandler) hangupFromServer(sess *Session, disposition call.Disposition) {
	if err := h.dialer.ByeCaller(sess.CallerReq, sess.LocalTag()); err != nil {
		h.logger.Error("failed to send bye to caller", "call_id", sess.CallID, "error", err)
	}
	h.teardown(sess, disposition)
}

// teardown releases everything attached to a session and ends the
// call. The call is ended before the workers are cancelled so a
// returning worker sees the call inactive and does not hang up again.
// Safe to call more than once; later calls find nothing to do.
func (h *InviteHandler) teardown(sess *Session, disposition call.Disposition) {
	h.sessions.Remove(sess.CallID)
	h.calls.End(sess.Call, disposition)
	sess.CancelRing()
	sess.StopWorker()
	h.relays.Stop(sess.CallID)
	sess.releaseMedia(h.allocator)
}

// addAnswerIdentity sets the to-tag and Contact on a 2xx we originate.
func (h *InviteHandler) addAnswerIdentity(res *sip.Response, sess *Session, user string) {
	tag := sess.LocalTag()
	if tag == "" {
		tag = newTag()
		sess.SetLocalTag(tag)
	}
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", tag)
		}
	}
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		User: user,
		Host: h.cfg.MediaIP,
		Port: h.cfg.SIPPort,
	}})
}

// dtmfPayloadType picks the telephone-event payload type for a
// server-answered call: the offer's when it advertises one, the
// configured fallback otherwise. Some phones send RFC 2833 events
// without listing telephone-event in their offer.
func dtmfPayloadType(offer *media.SessionDescription, fallback int) int {
	if m := offer.AudioMedia(); m != nil {
		if pt := m.TelephoneEventPT(); pt >= 0 {
			return pt
		}
	}
	return fallback
}

func (h *InviteHandler) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to send error response", "code", code, "error", err)
	}
}

// callIDOf extracts the Call-ID value, empty when absent.
func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// hasToTag reports whether the request's To header carries a tag,
// marking it as in-dialog.
func hasToTag(req *sip.Request) bool {
	to := req.To()
	if to == nil {
		return false
	}
	_, ok := to.Params.Get("tag")
	return ok
}

// newTag returns a random dialog tag.
func newTag() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "wirepbx"
	}
	return hex.EncodeToString(b)
}
