package media

import (
	"errors"
	"strconv"
	"strings"
)

// dtmfPayloadSize is the size of an RFC 2833 telephone-event payload.
const dtmfPayloadSize = 4

// DTMFEvent represents an RFC 2833 telephone-event payload.
// The payload format (RFC 4733 §2.3) is:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event    uint8  // 0-9 = digits, 10 = *, 11 = #, 12-15 = A-D
	End      bool   // E bit: marks end of event
	Volume   uint8  // power level in dBm0 (0-63)
	Duration uint16 // event duration in timestamp units
}

// ParseDTMFEvent parses an RFC 2833 telephone-event payload.
// Returns nil if the payload is too short.
func ParseDTMFEvent(payload []byte) *DTMFEvent {
	if len(payload) < dtmfPayloadSize {
		return nil
	}
	return &DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

// DTMFEventDigit maps an RFC 2833 event code to its keypad character.
// Returns 0 for codes outside 0-15.
func DTMFEventDigit(event uint8) byte {
	switch {
	case event <= 9:
		return '0' + event
	case event == 10:
		return '*'
	case event == 11:
		return '#'
	case event >= 12 && event <= 15:
		return 'A' + event - 12
	default:
		return 0
	}
}

// eventDeduper suppresses the retransmitted End packets RFC 2833
// senders emit for a single key press: the same event code with the
// same RTP timestamp is delivered once.
type eventDeduper struct {
	lastEvent uint8
	lastTS    uint32
	hadEvent  bool
}

// EndDigit returns the keypad digit for an End-marked event, or 0 when
// the packet is a continuation, a duplicate End, or not a digit.
func (d *eventDeduper) EndDigit(ev *DTMFEvent, rtpTimestamp uint32) byte {
	if ev == nil || !ev.End {
		return 0
	}
	if d.hadEvent && ev.Event == d.lastEvent && rtpTimestamp == d.lastTS {
		return 0
	}
	d.lastEvent = ev.Event
	d.lastTS = rtpTimestamp
	d.hadEvent = true
	return DTMFEventDigit(ev.Event)
}

// SIP INFO DTMF fallback
//
// Some endpoints send DTMF digits via SIP INFO instead of RFC 2833
// telephone-event. Two body formats are common:
//
//  1. Content-Type: application/dtmf-relay
//     Signal=5\r\nDuration=160\r\n
//
//  2. Content-Type: application/dtmf
//     5

// ErrInvalidDTMFInfo is returned when a SIP INFO body cannot be parsed as DTMF.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// DTMFInfo represents a DTMF digit received via SIP INFO request.
type DTMFInfo struct {
	Digit    byte // '0'-'9', '*', '#', 'A'-'D'
	Duration int  // milliseconds, 0 if not specified
}

func parseSignal(value string) (byte, bool) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if len(value) != 1 {
		return 0, false
	}
	c := value[0]
	switch {
	case c >= '0' && c <= '9', c == '*', c == '#', c >= 'A' && c <= 'D':
		return c, true
	default:
		return 0, false
	}
}

// ParseDTMFInfoRelay parses an application/dtmf-relay body:
//
//	Signal=<digit>\r\nDuration=<ms>\r\n
//
// Signal is required. Duration defaults to 0 if missing or unparseable.
func ParseDTMFInfoRelay(body []byte) (*DTMFInfo, error) {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil, ErrInvalidDTMFInfo
	}

	info := &DTMFInfo{}
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			digit, ok := parseSignal(value)
			if !ok {
				return nil, ErrInvalidDTMFInfo
			}
			info.Digit = digit
		case "duration":
			if d, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && d >= 0 {
				info.Duration = d
			}
		}
	}

	if info.Digit == 0 {
		return nil, ErrInvalidDTMFInfo
	}
	return info, nil
}

// ParseDTMFInfoBody parses an application/dtmf body holding a single
// DTMF digit character.
func ParseDTMFInfoBody(body []byte) (*DTMFInfo, error) {
	digit, ok := parseSignal(string(body))
	if !ok {
		return nil, ErrInvalidDTMFInfo
	}
	return &DTMFInfo{Digit: digit}, nil
}

// ParseSIPInfoDTMF detects and parses DTMF from a SIP INFO request body
// based on the Content-Type header. Returns ErrInvalidDTMFInfo if the
// content type is unsupported or the body cannot be parsed.
func ParseSIPInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	// Strip any parameters (e.g., charset).
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "application/dtmf-relay":
		return ParseDTMFInfoRelay(body)
	case "application/dtmf":
		return ParseDTMFInfoBody(body)
	default:
		return nil, ErrInvalidDTMFInfo
	}
}
