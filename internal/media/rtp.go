// Package media implements the RTP media plane: the port allocator,
// the per-call relay, prompt playback and recording, SDP offer/answer
// handling and DTMF detection.
package media

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// maxRTPPacket is the largest datagram we read; audio RTP never
	// approaches the Ethernet MTU.
	maxRTPPacket = 1500

	// samplesPerPacket is the number of audio samples per RTP packet.
	// At 8 kHz with 20 ms ptime each packet carries 160 samples; for
	// G.711 that is also 160 payload bytes.
	samplesPerPacket = 160

	// packetDuration is the duration of one RTP packet.
	packetDuration = 20 * time.Millisecond

	// timestampIncrement is the RTP timestamp step per packet at an
	// 8 kHz clock rate.
	timestampIncrement = 160

	// maxSequenceLag is the largest backwards sequence distance still
	// forwarded. Anything older is dropped rather than risk a
	// wrap-around ambiguity (3000 packets is about 60 s of audio).
	maxSequenceLag = 3000
)

// StreamWriter owns RTP sequence, timestamp and SSRC generation for one
// outbound audio stream. Only a single goroutine may write to a stream;
// the destination may be retargeted concurrently (symmetric RTP).
type StreamWriter struct {
	conn   *net.UDPConn
	remote atomic.Pointer[net.UDPAddr]

	ssrc uint32
	seq  uint16
	ts   uint32
}

// NewStreamWriter creates a writer sending to remote from the given
// socket, with randomized initial SSRC, sequence and timestamp.
func NewStreamWriter(conn *net.UDPConn, remote *net.UDPAddr) *StreamWriter {
	w := &StreamWriter{
		conn: conn,
		ssrc: rand.Uint32(),
		seq:  uint16(rand.UintN(65536)),
		ts:   rand.Uint32(),
	}
	w.remote.Store(remote)
	return w
}

// SetRemote retargets the stream's destination address.
func (w *StreamWriter) SetRemote(remote *net.UDPAddr) {
	w.remote.Store(remote)
}

// WriteAudio sends one 20 ms audio payload and advances the sequence
// number by 1 and the timestamp by 160. marker is set on the first
// packet of a talkspurt.
func (w *StreamWriter) WriteAudio(payloadType uint8, marker bool, payload []byte) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.ts,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling rtp packet: %w", err)
	}
	if _, err := w.conn.WriteToUDP(raw, w.remote.Load()); err != nil {
		return fmt.Errorf("sending rtp packet: %w", err)
	}
	w.seq++
	w.ts += timestampIncrement
	return nil
}

// WriteEvent sends an RFC 2833 event payload. The timestamp is held at
// the event's start for the duration of the event; advance reports
// whether this write ends the event and the clock should step.
func (w *StreamWriter) WriteEvent(payloadType uint8, marker bool, payload []byte, advance bool) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.ts,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling rtp event: %w", err)
	}
	if _, err := w.conn.WriteToUDP(raw, w.remote.Load()); err != nil {
		return fmt.Errorf("sending rtp event: %w", err)
	}
	w.seq++
	if advance {
		w.ts += timestampIncrement
	}
	return nil
}

// SequenceFilter tracks the highest sequence number seen per stream and
// rejects packets that arrive too far behind it.
type SequenceFilter struct {
	initialized bool
	last        uint16
}

// Accept reports whether a packet with the given sequence number should
// be forwarded. In-order and ahead-of-window packets advance the
// tracked position; late packets are forwarded only while they trail by
// at most maxSequenceLag.
func (f *SequenceFilter) Accept(seq uint16) bool {
	if !f.initialized {
		f.initialized = true
		f.last = seq
		return true
	}
	// Unsigned subtraction handles wrap-around in both directions.
	if forward := seq - f.last; forward < 0x8000 {
		f.last = seq
		return true
	}
	return f.last-seq <= maxSequenceLag
}

// parseRTP unmarshals a raw datagram as RTP, returning nil for
// datagrams too short or malformed to be RTP.
func parseRTP(raw []byte) *rtp.Packet {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		return nil
	}
	if pkt.Version != 2 {
		return nil
	}
	return pkt
}
