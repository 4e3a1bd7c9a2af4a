package media

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listenLocal binds a UDP socket on an ephemeral loopback port.
func listenLocal(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readPacket reads one RTP packet with a deadline.
func readPacket(t *testing.T, conn *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, maxRTPPacket)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("reading rtp packet: %v", err)
	}
	pkt := parseRTP(buf[:n])
	if pkt == nil {
		t.Fatal("received datagram is not valid rtp")
	}
	return pkt
}

func TestStreamWriterSequencing(t *testing.T) {
	src := listenLocal(t)
	dst := listenLocal(t)

	w := NewStreamWriter(src, dst.LocalAddr().(*net.UDPAddr))

	payload := make([]byte, samplesPerPacket)
	for i := 0; i < 3; i++ {
		if err := w.WriteAudio(PayloadPCMU, i == 0, payload); err != nil {
			t.Fatalf("WriteAudio: %v", err)
		}
	}

	first := readPacket(t, dst)
	if !first.Marker {
		t.Error("first packet missing marker bit")
	}
	if first.PayloadType != PayloadPCMU {
		t.Errorf("PayloadType = %d, want %d", first.PayloadType, PayloadPCMU)
	}

	prev := first
	for i := 1; i < 3; i++ {
		pkt := readPacket(t, dst)
		if pkt.Marker {
			t.Errorf("packet %d has marker bit set", i)
		}
		if pkt.SequenceNumber != prev.SequenceNumber+1 {
			t.Errorf("packet %d seq = %d, want %d", i, pkt.SequenceNumber, prev.SequenceNumber+1)
		}
		if pkt.Timestamp != prev.Timestamp+timestampIncrement {
			t.Errorf("packet %d ts = %d, want %d", i, pkt.Timestamp, prev.Timestamp+timestampIncrement)
		}
		if pkt.SSRC != prev.SSRC {
			t.Errorf("packet %d ssrc changed: %d != %d", i, pkt.SSRC, prev.SSRC)
		}
		prev = pkt
	}
}

func TestStreamWriterEventTimestamp(t *testing.T) {
	src := listenLocal(t)
	dst := listenLocal(t)

	w := NewStreamWriter(src, dst.LocalAddr().(*net.UDPAddr))

	event := []byte{5, 0x80, 0x01, 0x40}
	// Two packets of the same event hold the timestamp; the final one
	// advances the clock.
	if err := w.WriteEvent(101, true, event, false); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.WriteEvent(101, false, event, true); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.WriteAudio(PayloadPCMU, false, make([]byte, samplesPerPacket)); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	p1 := readPacket(t, dst)
	p2 := readPacket(t, dst)
	p3 := readPacket(t, dst)

	if p2.Timestamp != p1.Timestamp {
		t.Errorf("event continuation ts = %d, want %d", p2.Timestamp, p1.Timestamp)
	}
	if p2.SequenceNumber != p1.SequenceNumber+1 {
		t.Errorf("event continuation seq = %d, want %d", p2.SequenceNumber, p1.SequenceNumber+1)
	}
	if p3.Timestamp != p1.Timestamp+timestampIncrement {
		t.Errorf("post-event ts = %d, want %d", p3.Timestamp, p1.Timestamp+timestampIncrement)
	}
}

func TestSequenceFilter(t *testing.T) {
	tests := []struct {
		name string
		seqs []uint16
		want []bool
	}{
		{
			name: "in order",
			seqs: []uint16{10, 11, 12},
			want: []bool{true, true, true},
		},
		{
			name: "small reorder accepted",
			seqs: []uint16{100, 102, 101},
			want: []bool{true, true, true},
		},
		{
			name: "late within window accepted",
			seqs: []uint16{5000, 5000 - maxSequenceLag},
			want: []bool{true, true},
		},
		{
			name: "late beyond window dropped",
			seqs: []uint16{5000, 5000 - maxSequenceLag - 1},
			want: []bool{true, false},
		},
		{
			name: "wraparound forward accepted",
			seqs: []uint16{65535, 0, 1},
			want: []bool{true, true, true},
		},
		{
			name: "late across wraparound",
			seqs: []uint16{100, 65535},
			want: []bool{true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f SequenceFilter
			for i, seq := range tt.seqs {
				if got := f.Accept(seq); got != tt.want[i] {
					t.Errorf("Accept(%d) [step %d] = %v, want %v", seq, i, got, tt.want[i])
				}
			}
		})
	}
}

func TestSequenceFilterLatePacketDoesNotRegress(t *testing.T) {
	var f SequenceFilter
	f.Accept(1000)
	f.Accept(500) // late but within window
	// The tracked position must still be 1000: a packet 3001 behind it
	// is rejected even though it is close to 500.
	tracked := uint16(1000)
	if f.Accept(tracked - maxSequenceLag - 1) {
		t.Error("late packet moved the tracked position backwards")
	}
}

func TestParseRTPRejectsGarbage(t *testing.T) {
	if parseRTP([]byte{0x01, 0x02}) != nil {
		t.Error("short datagram accepted")
	}
	// Version 1 header.
	raw := make([]byte, 12)
	raw[0] = 0x40
	if parseRTP(raw) != nil {
		t.Error("rtp version 1 accepted")
	}
}
