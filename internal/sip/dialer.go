package sip

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Dialer places the upstream INVITE leg of an internal call: one
// outbound INVITE to the callee's registered contact, provisional
// responses relayed back to the caller's transaction.
type Dialer struct {
	client *sipgo.Client
	logger *slog.Logger
}

// NewDialer creates a dialer backed by a sipgo client on the shared
// user agent.
func NewDialer(ua *sipgo.UserAgent, logger *slog.Logger) (*Dialer, error) {
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "dialer")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}
	return &Dialer{
		client: client,
		logger: logger.With("subsystem", "dialer"),
	}, nil
}

// Close releases the dialer's client resources.
func (d *Dialer) Close() {
	d.client.Close()
}

// UpstreamLeg is an answered outbound INVITE leg.
type UpstreamLeg struct {
	dialer *Dialer
	req    *sip.Request
	tx     sip.ClientTransaction
	res    *sip.Response // the 2xx that answered
}

// Response returns the answering 2xx.
func (l *UpstreamLeg) Response() *sip.Response {
	return l.res
}

// DialResult is the outcome of a Dial attempt.
type DialResult struct {
	// Leg is set when the callee answered; the caller must Ack it.
	Leg *UpstreamLeg
	// Busy is true when the callee responded 486.
	Busy bool
	// Rejected is the final non-2xx status, 0 when the dial simply
	// timed out or was cancelled.
	Rejected int
}

// Dial sends an INVITE to the callee's target and waits for a final
// response or context cancellation. onRinging fires once when the
// first 180/183 arrives. On timeout or cancellation the leg is
// CANCELled before returning.
func (d *Dialer) Dial(ctx context.Context, target *Binding, callerExt, callID string, body []byte, onRinging func(status int, reason string)) (*DialResult, error) {
	addr := target.Target()
	if addr == nil {
		return nil, fmt.Errorf("binding for %s has no usable source address", target.Extension)
	}

	var recipient sip.Uri
	if err := sip.ParseUri(target.ContactURI, &recipient); err != nil {
		return nil, fmt.Errorf("parsing contact uri %q: %w", target.ContactURI, err)
	}

	// Dial the datagram source, not the Contact host: NAT keeps the
	// advertised URI unreachable.
	recipient.Host = target.SourceIP
	recipient.Port = target.SourcePort

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport("UDP")

	if len(body) > 0 {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}

	// Both legs share the Call-ID for log and CDR correlation.
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("X-Caller-Ext", callerExt))

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite to %s: %w", target.ContactURI, err)
	}

	ringingSeen := false
	for {
		select {
		case <-ctx.Done():
			// No answer within the ring window, or the caller gave up.
			d.cancel(req)
			tx.Terminate()
			return &DialResult{}, nil

		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("invite transaction to %s: %w", target.ContactURI, err)
			}
			return &DialResult{}, nil

		case res, ok := <-tx.Responses():
			if !ok {
				return &DialResult{}, nil
			}

			d.logger.Debug("upstream response",
				"call_id", callID,
				"target", target.Extension,
				"status", res.StatusCode,
			)

			switch {
			case res.StatusCode < 180:
				// 100 Trying from the phone; absorb.

			case res.StatusCode < 200:
				if !ringingSeen && onRinging != nil {
					ringingSeen = true
					onRinging(res.StatusCode, res.Reason)
				}

			case res.StatusCode < 300:
				return &DialResult{Leg: &UpstreamLeg{
					dialer: d,
					req:    req,
					tx:     tx,
					res:    res,
				}}, nil

			case res.StatusCode == 486:
				tx.Terminate()
				return &DialResult{Busy: true, Rejected: res.StatusCode}, nil

			default:
				tx.Terminate()
				return &DialResult{Rejected: res.StatusCode}, nil
			}
		}
	}
}

// ByeCaller ends a server-answered dialog from our side: the roles
// flip, so From carries our answer tag and To carries the caller's
// original From tag. The BYE goes to the caller's datagram source.
func (d *Dialer) ByeCaller(inviteReq *sip.Request, localTag string) error {
	recipient := inviteReq.From().Address
	if contact := inviteReq.Contact(); contact != nil {
		recipient = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SetTransport(inviteReq.Transport())
	bye.SetDestination(inviteReq.Source())

	if to := inviteReq.To(); to != nil {
		from := &sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
			Params:      sip.NewParams(),
		}
		from.Params.Add("tag", localTag)
		bye.AppendHeader(from)
	}
	if from := inviteReq.From(); from != nil {
		to := &sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     *from.Address.Clone(),
			Params:      from.Params.Clone(),
		}
		bye.AppendHeader(to)
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	tx, err := d.client.TransactionRequest(context.Background(), bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye to caller: %w", err)
	}
	tx.Terminate()
	return nil
}

// cancel sends a CANCEL for a pending INVITE leg.
func (d *Dialer) cancel(inviteReq *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.SetTransport(inviteReq.Transport())
	if cid := inviteReq.CallID(); cid != nil {
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}

	tx, err := d.client.TransactionRequest(context.Background(), cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		d.logger.Debug("failed to send cancel", "error", err)
		return
	}
	tx.Terminate()
}

// Ack confirms the 2xx per RFC 3261 §13.2.2.4: generated by the UAC
// core and written straight to the transport.
func (l *UpstreamLeg) Ack() error {
	ack := buildACKFor2xx(l.req, l.res)
	return l.dialer.client.WriteRequest(ack)
}

// Bye ends the answered leg with an in-dialog BYE.
func (l *UpstreamLeg) Bye() error {
	recipient := l.req.Recipient
	if contact := l.res.Contact(); contact != nil {
		recipient = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SetTransport(l.req.Transport())

	// From is ours unchanged; To carries the remote tag from the 2xx.
	if h := l.req.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.res.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := l.req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := l.req.CSeq(); cseq != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	tx, err := l.dialer.client.TransactionRequest(context.Background(), bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	tx.Terminate()
	l.tx.Terminate()
	return nil
}

// Terminate releases the leg's transaction without signaling.
func (l *UpstreamLeg) Terminate() {
	l.tx.Terminate()
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The
// Request-URI comes from the response Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response carries the remote tag.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}
