package media

import (
	"reflect"
	"strconv"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

const sampleOffer = "v=0\r\n" +
	"o=alice 2890844526 2890844526 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=sendrecv\r\n"

func TestParseSDP(t *testing.T) {
	sd, err := ParseSDP([]byte(sampleOffer))
	if err != nil {
		t.Fatalf("ParseSDP: %v", err)
	}

	if sd.Origin.Username != "alice" {
		t.Errorf("Origin.Username = %q, want alice", sd.Origin.Username)
	}
	if sd.Connection == nil || sd.Connection.Address != "192.168.1.10" {
		t.Errorf("Connection = %+v, want 192.168.1.10", sd.Connection)
	}

	m := sd.AudioMedia()
	if m == nil {
		t.Fatal("AudioMedia returned nil")
	}
	if m.Port != 49170 {
		t.Errorf("Port = %d, want 49170", m.Port)
	}
	if !reflect.DeepEqual(m.Formats, []int{0, 8, 101}) {
		t.Errorf("Formats = %v, want [0 8 101]", m.Formats)
	}
	if pt := m.TelephoneEventPT(); pt != 101 {
		t.Errorf("TelephoneEventPT = %d, want 101", pt)
	}
	if c := m.CodecByPayloadType(101); c == nil || c.Fmtp != "0-16" {
		t.Errorf("codec 101 = %+v, want fmtp 0-16", c)
	}

	ep, err := sd.AudioEndpoint()
	if err != nil {
		t.Fatalf("AudioEndpoint: %v", err)
	}
	if ep.String() != "192.168.1.10:49170" {
		t.Errorf("AudioEndpoint = %s, want 192.168.1.10:49170", ep)
	}
}

func TestParseSDPErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"bad version", "v=x\r\n"},
		{"bad origin", "v=0\r\no=alice\r\n"},
		{"bad media port", "v=0\r\nm=audio abc RTP/AVP 0\r\n"},
		{"bad connection ip", "v=0\r\nc=IN IP4 notanip\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSDP([]byte(tt.body)); err == nil {
				t.Fatal("expected parse error, got nil")
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	sd, err := ParseSDP([]byte(sampleOffer))
	if err != nil {
		t.Fatalf("ParseSDP: %v", err)
	}
	again, err := ParseSDP(sd.Marshal())
	if err != nil {
		t.Fatalf("ParseSDP of marshaled output: %v", err)
	}
	if !reflect.DeepEqual(sd.AudioMedia().Formats, again.AudioMedia().Formats) {
		t.Error("formats changed across marshal round trip")
	}
	if sd.ConnectionAddress(sd.AudioMedia()) != again.ConnectionAddress(again.AudioMedia()) {
		t.Error("connection address changed across marshal round trip")
	}
}

func TestBuildAnswer(t *testing.T) {
	tests := []struct {
		name        string
		offer       string
		wantFormats []int
		wantErr     bool
	}{
		{
			name:        "pcmu pcma with dtmf",
			offer:       sampleOffer,
			wantFormats: []int{0, 8, 101},
		},
		{
			name: "offer order preserved",
			offer: "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
				"m=audio 4000 RTP/AVP 8 0 18\r\n",
			wantFormats: []int{8, 0, 18},
		},
		{
			name: "unsupported dynamic codec excluded",
			offer: "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
				"m=audio 4000 RTP/AVP 96 0\r\na=rtpmap:96 opus/48000/2\r\n",
			wantFormats: []int{0},
		},
		{
			name: "no supported codec",
			offer: "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
				"m=audio 4000 RTP/AVP 96\r\na=rtpmap:96 opus/48000/2\r\n",
			wantErr: true,
		},
		{
			name: "dtmf alone is not audio",
			offer: "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
				"m=audio 4000 RTP/AVP 101\r\na=rtpmap:101 telephone-event/8000\r\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer, err := ParseSDP([]byte(tt.offer))
			if err != nil {
				t.Fatalf("ParseSDP: %v", err)
			}
			answer, err := BuildAnswer(offer, AnswerParams{Address: "10.0.0.2", Port: 10000, ILBCMode: 30})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildAnswer: %v", err)
			}

			m := answer.AudioMedia()
			if m == nil {
				t.Fatal("answer has no audio media")
			}
			if !reflect.DeepEqual(m.Formats, tt.wantFormats) {
				t.Errorf("Formats = %v, want %v", m.Formats, tt.wantFormats)
			}
			if m.Port != 10000 {
				t.Errorf("Port = %d, want 10000", m.Port)
			}
			if answer.Connection.Address != "10.0.0.2" {
				t.Errorf("Connection.Address = %q, want 10.0.0.2", answer.Connection.Address)
			}
		})
	}
}

func TestBuildAnswerILBCMode(t *testing.T) {
	offer, err := ParseSDP([]byte("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
		"m=audio 4000 RTP/AVP 97\r\na=rtpmap:97 iLBC/8000\r\n"))
	if err != nil {
		t.Fatalf("ParseSDP: %v", err)
	}
	answer, err := BuildAnswer(offer, AnswerParams{Address: "10.0.0.2", Port: 10000, ILBCMode: 20})
	if err != nil {
		t.Fatalf("BuildAnswer: %v", err)
	}
	body := string(answer.Marshal())
	if !strings.Contains(body, "a=fmtp:97 mode=20") {
		t.Errorf("answer missing iLBC mode fmtp:\n%s", body)
	}
}

// Answer formats always equal the intersection of offered and supported
// payload types, in offer order, regardless of how the offer shuffles
// or duplicates codecs.
func TestBuildAnswerIntersectionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pts := rapid.SliceOfN(rapid.SampledFrom([]int{0, 3, 4, 8, 9, 18, 96}), 1, 7).Draw(t, "pts")

		var b strings.Builder
		b.WriteString("v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP")
		for _, pt := range pts {
			b.WriteString(" ")
			b.WriteString(strconv.Itoa(pt))
		}
		b.WriteString("\r\n")

		offer, err := ParseSDP([]byte(b.String()))
		if err != nil {
			t.Fatalf("ParseSDP: %v", err)
		}

		var want []int
		for _, pt := range offer.AudioMedia().Formats {
			if _, ok := staticPTName[pt]; ok {
				want = append(want, pt)
			}
		}

		answer, err := BuildAnswer(offer, AnswerParams{Address: "10.0.0.2", Port: 10000, ILBCMode: 30})
		if len(want) == 0 {
			if err == nil {
				t.Fatal("expected error for offer with no supported codec")
			}
			return
		}
		if err != nil {
			t.Fatalf("BuildAnswer: %v", err)
		}
		if !reflect.DeepEqual(answer.AudioMedia().Formats, want) {
			t.Fatalf("Formats = %v, want %v", answer.AudioMedia().Formats, want)
		}
	})
}

func TestRewriteMedia(t *testing.T) {
	out, err := RewriteMedia([]byte(sampleOffer), "203.0.113.5", 12000)
	if err != nil {
		t.Fatalf("RewriteMedia: %v", err)
	}

	sd, err := ParseSDP(out)
	if err != nil {
		t.Fatalf("ParseSDP of rewritten body: %v", err)
	}
	m := sd.AudioMedia()
	if m.Port != 12000 {
		t.Errorf("Port = %d, want 12000", m.Port)
	}
	if addr := sd.ConnectionAddress(m); addr != "203.0.113.5" {
		t.Errorf("ConnectionAddress = %q, want 203.0.113.5", addr)
	}
	// Codec list untouched.
	if !reflect.DeepEqual(m.Formats, []int{0, 8, 101}) {
		t.Errorf("Formats = %v, want [0 8 101]", m.Formats)
	}
}
