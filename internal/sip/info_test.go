package sip

import (
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/wirepbx/wirepbx/internal/call"
)

func infoRequest(callID, contentType, body string) *sip.Request {
	req := sip.NewRequest(sip.INFO, sip.Uri{User: "1001", Host: "127.0.0.1", Port: 5060})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	ct := sip.ContentTypeHeader(contentType)
	req.AppendHeader(&ct)
	req.SetBody([]byte(body))
	req.SetSource("203.0.113.7:5060")
	return req
}

func TestHandleInfoQueuesDigit(t *testing.T) {
	f := newInviteTestFixture(t)
	c := f.connectedCall(t, "info-call-1")

	tx := &recordingTx{}
	f.handler.HandleInfo(infoRequest(c.ID, "application/dtmf-relay", "Signal=5\r\nDuration=160\r\n"), tx)

	if got := tx.lastCode(); got != 200 {
		t.Fatalf("response = %d, want 200", got)
	}
	select {
	case d := <-c.Digits():
		if d != '5' {
			t.Fatalf("digit = %c, want 5", d)
		}
	default:
		t.Fatal("digit was not queued")
	}
}

func TestHandleInfoAfterCallEnded(t *testing.T) {
	f := newInviteTestFixture(t)
	c := f.connectedCall(t, "info-call-2")
	f.calls.End(c, call.DispositionAnswered)

	// A phone retransmitting INFO after the hangup gets a 200 so it
	// stops, but the digit goes nowhere.
	tx := &recordingTx{}
	f.handler.HandleInfo(infoRequest(c.ID, "application/dtmf-relay", "Signal=1\r\nDuration=160\r\n"), tx)

	if got := tx.lastCode(); got != 200 {
		t.Fatalf("response = %d, want 200", got)
	}
	select {
	case <-c.Digits():
		t.Fatal("digit queued on an ended call")
	default:
	}
}

func TestHandleInfoBadBody(t *testing.T) {
	f := newInviteTestFixture(t)
	c := f.connectedCall(t, "info-call-3")

	tx := &recordingTx{}
	f.handler.HandleInfo(infoRequest(c.ID, "application/dtmf-relay", "garbage"), tx)

	if got := tx.lastCode(); got != 400 {
		t.Fatalf("response = %d, want 400", got)
	}
}
