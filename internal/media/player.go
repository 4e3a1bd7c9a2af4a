package media

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/wirepbx/wirepbx/internal/audio"
)

// Player streams u-law audio as paced RTP packets to a remote endpoint.
// It owns the stream's sequence/timestamp generation: packets go out
// every 20 ms carrying 160 samples, the last frame padded with silence,
// the marker bit set on the first packet of each talkspurt.
type Player struct {
	writer *StreamWriter
	logger *slog.Logger
}

// NewPlayer creates a player sending from conn to remote.
func NewPlayer(conn *net.UDPConn, remote *net.UDPAddr, logger *slog.Logger) *Player {
	return &Player{
		writer: NewStreamWriter(conn, remote),
		logger: logger.With("subsystem", "audio-player"),
	}
}

// PlayResult holds the outcome of a playback operation.
type PlayResult struct {
	PacketsSent int
	Duration    time.Duration
}

// Play streams a u-law payload using the given payload type (u-law
// input is transcoded when payloadType is PCMA). The context cancels
// playback early; the result then reflects what was sent alongside
// ctx.Err().
func (p *Player) Play(ctx context.Context, ulaw []byte, payloadType int) (*PlayResult, error) {
	data := ulaw
	silence := byte(audio.SilenceULaw)
	if payloadType == PayloadPCMA {
		data = audio.ULawToALaw(ulaw)
		silence = audio.SilenceALaw
	}

	frame := make([]byte, samplesPerPacket)
	sent := 0
	start := time.Now()
	marker := true // first packet of the talkspurt

	for off := 0; off < len(data); off += samplesPerPacket {
		select {
		case <-ctx.Done():
			p.logger.Debug("playback cancelled", "packets_sent", sent)
			return &PlayResult{PacketsSent: sent, Duration: time.Since(start)}, ctx.Err()
		default:
		}

		n := copy(frame, data[off:])
		for i := n; i < samplesPerPacket; i++ {
			frame[i] = silence
		}

		if err := p.writer.WriteAudio(uint8(payloadType), marker, frame); err != nil {
			return nil, err
		}
		marker = false
		sent++

		// Pace at 20 ms intervals against the wall clock so processing
		// overhead does not accumulate as drift.
		elapsed := time.Since(start)
		expected := time.Duration(sent) * packetDuration
		if sleep := expected - elapsed; sleep > 0 {
			select {
			case <-ctx.Done():
				return &PlayResult{PacketsSent: sent, Duration: time.Since(start)}, ctx.Err()
			case <-time.After(sleep):
			}
		}
	}

	duration := time.Since(start)
	p.logger.Debug("playback complete", "packets_sent", sent, "duration", duration)
	return &PlayResult{PacketsSent: sent, Duration: duration}, nil
}
