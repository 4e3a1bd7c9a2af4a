package media

import (
	"errors"
	"testing"
)

func TestParseDTMFEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    *DTMFEvent
	}{
		{
			name:    "too short",
			payload: []byte{5, 0x80},
			want:    nil,
		},
		{
			name:    "digit 5 end",
			payload: []byte{5, 0x8A, 0x03, 0x20},
			want:    &DTMFEvent{Event: 5, End: true, Volume: 10, Duration: 0x0320},
		},
		{
			name:    "star continuation",
			payload: []byte{10, 0x0A, 0x00, 0xA0},
			want:    &DTMFEvent{Event: 10, End: false, Volume: 10, Duration: 0x00A0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDTMFEvent(tt.payload)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("ParseDTMFEvent = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("ParseDTMFEvent = nil")
			}
			if *got != *tt.want {
				t.Errorf("ParseDTMFEvent = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDTMFEventDigit(t *testing.T) {
	tests := []struct {
		event uint8
		want  byte
	}{
		{0, '0'},
		{9, '9'},
		{10, '*'},
		{11, '#'},
		{12, 'A'},
		{15, 'D'},
		{16, 0},
		{200, 0},
	}
	for _, tt := range tests {
		if got := DTMFEventDigit(tt.event); got != tt.want {
			t.Errorf("DTMFEventDigit(%d) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestEventDeduper(t *testing.T) {
	var d eventDeduper

	// Continuation packets never produce a digit.
	if got := d.EndDigit(&DTMFEvent{Event: 5, End: false}, 1000); got != 0 {
		t.Errorf("continuation produced %q", got)
	}

	// First End packet delivers the digit.
	if got := d.EndDigit(&DTMFEvent{Event: 5, End: true}, 1000); got != '5' {
		t.Errorf("end packet = %q, want '5'", got)
	}

	// Retransmitted End packets for the same press are suppressed.
	if got := d.EndDigit(&DTMFEvent{Event: 5, End: true}, 1000); got != 0 {
		t.Errorf("duplicate end produced %q", got)
	}

	// The same digit pressed again has a new event timestamp.
	if got := d.EndDigit(&DTMFEvent{Event: 5, End: true}, 2600); got != '5' {
		t.Errorf("repeat press = %q, want '5'", got)
	}

	if got := d.EndDigit(nil, 0); got != 0 {
		t.Errorf("nil event produced %q", got)
	}
}

func TestParseSIPInfoDTMF(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        DTMFInfo
		wantErr     bool
	}{
		{
			name:        "dtmf-relay",
			contentType: "application/dtmf-relay",
			body:        "Signal=5\r\nDuration=160\r\n",
			want:        DTMFInfo{Digit: '5', Duration: 160},
		},
		{
			name:        "dtmf-relay star",
			contentType: "application/dtmf-relay",
			body:        "Signal=*\r\nDuration=100\r\n",
			want:        DTMFInfo{Digit: '*', Duration: 100},
		},
		{
			name:        "dtmf-relay lowercase keys",
			contentType: "application/dtmf-relay",
			body:        "signal=a\r\nduration=90\r\n",
			want:        DTMFInfo{Digit: 'A', Duration: 90},
		},
		{
			name:        "dtmf-relay missing duration",
			contentType: "application/dtmf-relay",
			body:        "Signal=#\r\n",
			want:        DTMFInfo{Digit: '#'},
		},
		{
			name:        "content type with charset",
			contentType: "application/dtmf-relay; charset=utf-8",
			body:        "Signal=1\r\n",
			want:        DTMFInfo{Digit: '1'},
		},
		{
			name:        "plain dtmf body",
			contentType: "application/dtmf",
			body:        "7",
			want:        DTMFInfo{Digit: '7'},
		},
		{
			name:        "plain dtmf with whitespace",
			contentType: "application/dtmf",
			body:        " 9\r\n",
			want:        DTMFInfo{Digit: '9'},
		},
		{
			name:        "unsupported content type",
			contentType: "application/sdp",
			body:        "Signal=5",
			wantErr:     true,
		},
		{
			name:        "invalid signal",
			contentType: "application/dtmf-relay",
			body:        "Signal=Z\r\n",
			wantErr:     true,
		},
		{
			name:        "missing signal",
			contentType: "application/dtmf-relay",
			body:        "Duration=160\r\n",
			wantErr:     true,
		},
		{
			name:        "empty body",
			contentType: "application/dtmf",
			body:        "",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSIPInfoDTMF(tt.contentType, []byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDTMFInfo) {
					t.Fatalf("err = %v, want ErrInvalidDTMFInfo", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSIPInfoDTMF: %v", err)
			}
			if *got != tt.want {
				t.Errorf("ParseSIPInfoDTMF = %+v, want %+v", got, tt.want)
			}
		})
	}
}
