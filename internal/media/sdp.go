package media

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Static RTP payload types handled without an rtpmap entry.
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
	PayloadG729 = 18
)

// staticPTName maps the static payload types we pass through to their
// encoding names.
var staticPTName = map[int]string{
	PayloadPCMU: "PCMU",
	PayloadPCMA: "PCMA",
	PayloadG729: "G729",
}

// supportedDynamicNames are the dynamic-payload codecs we accept from an
// offer (matched case-insensitively against rtpmap names).
var supportedDynamicNames = map[string]bool{
	"ilbc":            true,
	"telephone-event": true,
}

// Connection holds SDP connection data from a c= line.
type Connection struct {
	NetType  string // "IN"
	AddrType string // "IP4" or "IP6"
	Address  string
}

func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Origin holds SDP origin data from an o= line.
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

func (o Origin) String() string {
	return o.Username + " " + o.SessionID + " " + o.SessionVersion + " " +
		o.NetType + " " + o.AddrType + " " + o.Address
}

// Codec represents a codec from an SDP rtpmap attribute.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Channels    int    // 0 means unspecified (defaults to 1)
	Fmtp        string // format parameters from the matching a=fmtp line
}

func (c Codec) rtpmap() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 0 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// MediaDescription holds a parsed SDP m= section with its attributes.
type MediaDescription struct {
	Type       string // "audio", "video", ...
	Port       int
	Proto      string // "RTP/AVP"
	Formats    []int  // payload types in offer order
	Connection *Connection
	Codecs     []Codec  // from a=rtpmap lines
	Attributes []string // raw a= values for this section
	Direction  string   // sendrecv, sendonly, recvonly, inactive
}

// CodecByPayloadType returns the codec with the given payload type, or nil.
func (m *MediaDescription) CodecByPayloadType(pt int) *Codec {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			return &m.Codecs[i]
		}
	}
	return nil
}

// CodecByName returns the first codec with the given name
// (case-insensitive), or nil.
func (m *MediaDescription) CodecByName(name string) *Codec {
	for i := range m.Codecs {
		if strings.EqualFold(m.Codecs[i].Name, name) {
			return &m.Codecs[i]
		}
	}
	return nil
}

// TelephoneEventPT returns the dynamic payload type the peer offered for
// RFC 2833 telephone-event, or -1 if none was offered.
func (m *MediaDescription) TelephoneEventPT() int {
	if c := m.CodecByName("telephone-event"); c != nil {
		return c.PayloadType
	}
	return -1
}

// SessionDescription holds a fully parsed SDP session.
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection
	Time        string
	Media       []MediaDescription
	Attributes  []string // session-level a= values
}

// AudioMedia returns the first audio media description, or nil.
func (s *SessionDescription) AudioMedia() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// ConnectionAddress returns the effective connection address for a media
// description, preferring the media-level c= line over the session-level.
func (s *SessionDescription) ConnectionAddress(m *MediaDescription) string {
	if m.Connection != nil {
		return m.Connection.Address
	}
	if s.Connection != nil {
		return s.Connection.Address
	}
	return ""
}

// AudioEndpoint resolves the remote RTP endpoint described by the first
// audio section.
func (s *SessionDescription) AudioEndpoint() (*net.UDPAddr, error) {
	m := s.AudioMedia()
	if m == nil {
		return nil, fmt.Errorf("sdp has no audio media")
	}
	addr := s.ConnectionAddress(m)
	if addr == "" {
		return nil, fmt.Errorf("sdp has no connection address")
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid sdp connection address %q", addr)
	}
	return &net.UDPAddr{IP: ip, Port: m.Port}, nil
}

// ParseSDP parses an SDP body into a SessionDescription.
func ParseSDP(data []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	lines := strings.Split(text, "\n")

	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return nil, fmt.Errorf("empty sdp body")
	}

	sd := &SessionDescription{}
	var cur *MediaDescription

	for _, line := range lines {
		if len(line) < 2 || line[1] != '=' {
			continue // tolerate malformed lines
		}
		value := line[2:]

		switch line[0] {
		case 'v':
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp version: %w", err)
			}
			sd.Version = v

		case 'o':
			parts := strings.Fields(value)
			if len(parts) < 6 {
				return nil, fmt.Errorf("invalid sdp origin: expected 6 fields, got %d", len(parts))
			}
			sd.Origin = Origin{
				Username: parts[0], SessionID: parts[1], SessionVersion: parts[2],
				NetType: parts[3], AddrType: parts[4], Address: parts[5],
			}

		case 's':
			sd.SessionName = value

		case 'c':
			conn, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp connection: %w", err)
			}
			if cur != nil {
				cur.Connection = &conn
			} else {
				sd.Connection = &conn
			}

		case 't':
			sd.Time = value

		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("invalid sdp media line: %w", err)
			}
			sd.Media = append(sd.Media, md)
			cur = &sd.Media[len(sd.Media)-1]

		case 'a':
			if cur != nil {
				cur.Attributes = append(cur.Attributes, value)
				parseMediaAttribute(cur, value)
			} else {
				sd.Attributes = append(sd.Attributes, value)
			}
		}
	}

	return sd, nil
}

// Marshal serializes a SessionDescription back to SDP wire format.
func (s *SessionDescription) Marshal() []byte {
	var b strings.Builder

	b.WriteString("v=" + strconv.Itoa(s.Version) + "\r\n")
	b.WriteString("o=" + s.Origin.String() + "\r\n")
	b.WriteString("s=" + s.SessionName + "\r\n")
	if s.Connection != nil {
		b.WriteString("c=" + s.Connection.String() + "\r\n")
	}
	b.WriteString("t=" + s.Time + "\r\n")
	for _, attr := range s.Attributes {
		b.WriteString("a=" + attr + "\r\n")
	}

	for _, m := range s.Media {
		fmts := make([]string, len(m.Formats))
		for i, f := range m.Formats {
			fmts[i] = strconv.Itoa(f)
		}
		b.WriteString("m=" + m.Type + " " + strconv.Itoa(m.Port) + " " + m.Proto + " " + strings.Join(fmts, " ") + "\r\n")
		if m.Connection != nil {
			b.WriteString("c=" + m.Connection.String() + "\r\n")
		}
		for _, attr := range m.Attributes {
			b.WriteString("a=" + attr + "\r\n")
		}
	}

	return []byte(b.String())
}

func parseConnection(value string) (Connection, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	addr := parts[2]
	// Strip TTL/multicast suffix if present (e.g. "224.2.1.1/127").
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid ip address %q", addr)
	}
	return Connection{NetType: parts[0], AddrType: parts[1], Address: addr}, nil
}

func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 4 {
		return MediaDescription{}, fmt.Errorf("expected at least 4 fields, got %d", len(parts))
	}

	md := MediaDescription{
		Type:      parts[0],
		Proto:     parts[2],
		Direction: "sendrecv", // default per RFC 3264
	}

	portStr := parts[1]
	// Multi-port suffix is legal but irrelevant for RTP/AVP audio.
	if idx := strings.Index(portStr, "/"); idx >= 0 {
		portStr = portStr[:idx]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port: %w", err)
	}
	md.Port = port

	for _, fmtStr := range parts[3:] {
		pt, err := strconv.Atoi(fmtStr)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid payload type %q: %w", fmtStr, err)
		}
		md.Formats = append(md.Formats, pt)
	}

	return md, nil
}

func parseMediaAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		codec, err := parseRtpmap(attr[7:])
		if err != nil {
			return
		}
		// Merge with a placeholder created by an earlier fmtp line.
		for i := range md.Codecs {
			if md.Codecs[i].PayloadType == codec.PayloadType {
				codec.Fmtp = md.Codecs[i].Fmtp
				md.Codecs[i] = codec
				return
			}
		}
		md.Codecs = append(md.Codecs, codec)

	case strings.HasPrefix(attr, "fmtp:"):
		parts := strings.SplitN(attr[5:], " ", 2)
		if len(parts) < 2 {
			return
		}
		pt, err := strconv.Atoi(parts[0])
		if err != nil {
			return
		}
		for i := range md.Codecs {
			if md.Codecs[i].PayloadType == pt {
				md.Codecs[i].Fmtp = parts[1]
				return
			}
		}
		// fmtp arrived before rtpmap; keep as placeholder.
		md.Codecs = append(md.Codecs, Codec{PayloadType: pt, Fmtp: parts[1]})

	case attr == "sendrecv" || attr == "sendonly" || attr == "recvonly" || attr == "inactive":
		md.Direction = attr
	}
}

func parseRtpmap(value string) (Codec, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}
	encParts := strings.Split(parts[1], "/")
	if len(encParts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", parts[1])
	}
	clockRate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}
	codec := Codec{PayloadType: pt, Name: encParts[0], ClockRate: clockRate}
	if len(encParts) >= 3 {
		if ch, err := strconv.Atoi(encParts[2]); err == nil {
			codec.Channels = ch
		}
	}
	return codec, nil
}

// AnswerParams configures SDP answer construction.
type AnswerParams struct {
	Address  string // connection address placed in o= and c=
	Port     int    // local RTP port
	ILBCMode int    // fmtp mode parameter emitted when iLBC is selected
}

// BuildAnswer constructs the SDP answer for an offer. The answer's
// payload type list is the intersection of the offered types and our
// supported set, preserving the offerer's ordering. A telephone-event
// entry is echoed back when the peer offered one. Returns an error when
// no offered audio codec is supported.
func BuildAnswer(offer *SessionDescription, p AnswerParams) (*SessionDescription, error) {
	offerAudio := offer.AudioMedia()
	if offerAudio == nil {
		return nil, fmt.Errorf("offer has no audio media")
	}

	var formats []int
	var attrs []string
	audioSelected := false

	for _, pt := range offerAudio.Formats {
		if _, ok := staticPTName[pt]; ok {
			formats = append(formats, pt)
			audioSelected = true
			continue
		}

		codec := offerAudio.CodecByPayloadType(pt)
		if codec == nil || !supportedDynamicNames[strings.ToLower(codec.Name)] {
			continue
		}
		formats = append(formats, pt)
		attrs = append(attrs, "rtpmap:"+codec.rtpmap())

		switch strings.ToLower(codec.Name) {
		case "telephone-event":
			attrs = append(attrs, fmt.Sprintf("fmtp:%d 0-16", pt))
		case "ilbc":
			attrs = append(attrs, fmt.Sprintf("fmtp:%d mode=%d", pt, p.ILBCMode))
			audioSelected = true
		}
	}

	if !audioSelected {
		return nil, fmt.Errorf("no supported audio codec in offer (formats %v)", offerAudio.Formats)
	}

	// Static payload types still get rtpmap entries for interop with
	// strict parsers; emit them after the dynamic ones in format order.
	var staticAttrs []string
	for _, pt := range formats {
		if name, ok := staticPTName[pt]; ok {
			staticAttrs = append(staticAttrs, fmt.Sprintf("rtpmap:%d %s/8000", pt, name))
		}
	}
	attrs = append(staticAttrs, attrs...)
	attrs = append(attrs, "sendrecv")

	now := time.Now().Unix()
	conn := &Connection{NetType: "IN", AddrType: "IP4", Address: p.Address}

	return &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:       "-",
			SessionID:      strconv.FormatInt(now, 10),
			SessionVersion: strconv.FormatInt(now, 10),
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        p.Address,
		},
		SessionName: "wirepbx",
		Connection:  conn,
		Time:        "0 0",
		Media: []MediaDescription{{
			Type:       "audio",
			Port:       p.Port,
			Proto:      "RTP/AVP",
			Formats:    formats,
			Attributes: attrs,
			Direction:  "sendrecv",
		}},
	}, nil
}

// RewriteMedia parses an SDP body and rewrites its connection address
// and first audio port so media flows through the relay. All other
// fields pass through untouched.
func RewriteMedia(body []byte, address string, port int) ([]byte, error) {
	sd, err := ParseSDP(body)
	if err != nil {
		return nil, err
	}

	conn := &Connection{NetType: "IN", AddrType: "IP4", Address: address}
	if sd.Connection != nil {
		sd.Connection = conn
	}
	for i := range sd.Media {
		if sd.Media[i].Connection != nil {
			sd.Media[i].Connection = conn
		}
		if sd.Media[i].Type == "audio" {
			sd.Media[i].Port = port
		}
	}
	if sd.Connection == nil {
		sd.Connection = conn
	}

	return sd.Marshal(), nil
}
