package media

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Endpoint is the media termination for calls the server answers itself
// (voicemail access and recording). The server is a party to the media
// rather than a forwarder: a Player streams prompts to the caller and a
// read loop feeds caller audio into the Recorder, the in-band DTMF
// detector and the RFC 2833 event path.
type Endpoint struct {
	CallID string

	pair   *PortPair
	remote *atomicAddr
	logger *slog.Logger

	audioPT int // negotiated audio payload type (PCMU or PCMA)
	dtmfPT  int // negotiated telephone-event payload type, -1 if none

	player   *Player
	recorder *Recorder

	mu       sync.Mutex
	detector *DTMFDetector
	dedupe   eventDeduper

	// digits delivers RFC 2833 digits from the read loop.
	digits chan byte

	lastPacket atomic.Int64
	stopped    atomic.Bool
	wg         sync.WaitGroup
}

// NewEndpoint creates a media endpoint on the given port pair. remote
// is the caller's RTP address from SDP, refined by symmetric learning.
// maxRecord caps the recorder buffer.
func NewEndpoint(callID string, pair *PortPair, remote *net.UDPAddr, audioPT, dtmfPT int, maxRecord time.Duration, logger *slog.Logger) *Endpoint {
	l := logger.With("subsystem", "media-endpoint", "call_id", callID)
	e := &Endpoint{
		CallID:   callID,
		pair:     pair,
		remote:   newAtomicAddr(remote),
		logger:   l,
		audioPT:  audioPT,
		dtmfPT:   dtmfPT,
		player:   NewPlayer(pair.RTPConn, remote, l),
		recorder: NewRecorder(maxRecord),
		detector: NewDTMFDetector(),
		digits:   make(chan byte, 32),
	}
	e.lastPacket.Store(time.Now().UnixNano())
	return e
}

// Start launches the read loop. Non-blocking.
func (e *Endpoint) Start() {
	e.wg.Add(1)
	go e.readLoop()
	e.logger.Info("media endpoint started",
		"local_port", e.pair.RTPPort,
		"remote", addrString(e.remote.load()),
		"audio_pt", e.audioPT,
		"dtmf_pt", e.dtmfPT,
	)
}

// Stop halts the read loop and waits for it to exit. The port pair is
// released by the owner.
func (e *Endpoint) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	e.wg.Wait()
	e.logger.Info("media endpoint stopped")
}

// Play streams a u-law payload to the caller with the negotiated codec.
func (e *Endpoint) Play(ctx context.Context, ulaw []byte) (*PlayResult, error) {
	return e.player.Play(ctx, ulaw, e.audioPT)
}

// Recorder returns the endpoint's audio recorder.
func (e *Endpoint) Recorder() *Recorder {
	return e.recorder
}

// Digits returns the channel carrying RFC 2833 digits.
func (e *Endpoint) Digits() <-chan byte {
	return e.digits
}

// InBandDigit pops the next in-band detected digit, or 0.
func (e *Endpoint) InBandDigit() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detector.Next()
}

// ResetDetector clears in-band detection state. Called after any digit
// is acted on so the tone's echo is not detected again.
func (e *Endpoint) ResetDetector() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detector.Reset()
}

// LastPacketAt returns the arrival time of the most recent packet.
func (e *Endpoint) LastPacketAt() time.Time {
	return time.Unix(0, e.lastPacket.Load())
}

// readLoop consumes caller RTP: telephone-event packets feed the RFC
// 2833 digit channel, audio packets feed the recorder and the in-band
// detector.
func (e *Endpoint) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxRTPPacket)
	for {
		if e.stopped.Load() {
			return
		}

		e.pair.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := e.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if e.stopped.Load() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			e.logger.Debug("rtp read error", "error", err)
			continue
		}

		pkt := parseRTP(buf[:n])
		if pkt == nil {
			continue
		}

		// Symmetric RTP: follow the caller when its source moves.
		cur := e.remote.load()
		if cur == nil || cur.IP.Equal(src.IP) {
			if e.remote.update(src) {
				e.logger.Info("symmetric rtp: learned caller address", "address", src.String())
				e.player.writer.SetRemote(src)
			}
		}

		e.lastPacket.Store(time.Now().UnixNano())

		switch int(pkt.PayloadType) {
		case e.dtmfPT:
			e.mu.Lock()
			digit := e.dedupe.EndDigit(ParseDTMFEvent(pkt.Payload), pkt.Timestamp)
			e.mu.Unlock()
			if digit != 0 {
				e.logger.Debug("rfc2833 digit received", "digit", string(digit))
				select {
				case e.digits <- digit:
				default:
					// Consumer is behind; drop rather than stall the loop.
				}
			}

		case PayloadPCMU, PayloadPCMA:
			e.recorder.Feed(pkt.Payload, int(pkt.PayloadType))
			e.mu.Lock()
			if pkt.PayloadType == PayloadPCMA {
				e.detector.FeedALaw(pkt.Payload)
			} else {
				e.detector.FeedULaw(pkt.Payload)
			}
			e.mu.Unlock()
		}
	}
}
