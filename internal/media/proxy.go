package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// ErrPortsExhausted is returned by Allocate when every port pair in the
// configured range is in use. Callers translate it to a 503.
var ErrPortsExhausted = errors.New("rtp port range exhausted")

// PortPair holds the UDP sockets for one RTP/RTCP port pair: an even
// RTP port and the next odd port for RTCP.
type PortPair struct {
	RTPPort  int
	RTCPPort int
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (p *PortPair) Close() error {
	var rtpErr, rtcpErr error
	if p.RTPConn != nil {
		rtpErr = p.RTPConn.Close()
	}
	if p.RTCPConn != nil {
		rtcpErr = p.RTCPConn.Close()
	}
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// PortAllocator hands out RTP/RTCP port pairs from a configured range.
// Allocation scans forward from the last handed-out port and wraps, so
// freed ports are not immediately reused.
type PortAllocator struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{} // allocated RTP ports (even numbers)
	nextPort  int
}

// NewPortAllocator creates an allocator over [portMin, portMax].
// portMin must be even and portMax greater than portMin.
func NewPortAllocator(portMin, portMax int, logger *slog.Logger) (*PortAllocator, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "rtp-ports")
	l.Info("rtp port allocator initialized",
		"port_min", portMin,
		"port_max", portMax,
		"capacity", (portMax-portMin+1)/2,
	)

	return &PortAllocator{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// Capacity returns the total number of port pairs in the range.
func (a *PortAllocator) Capacity() int {
	return (a.portMax - a.portMin + 1) / 2
}

// AllocatedCount returns the number of currently allocated pairs.
func (a *PortAllocator) AllocatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

// Allocate binds and returns the next free RTP/RTCP socket pair.
// Returns ErrPortsExhausted when no pair in the range can be bound.
func (a *PortAllocator) Allocate() (*PortPair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.allocated) >= a.Capacity() {
		return nil, ErrPortsExhausted
	}

	start := a.nextPort
	for {
		port := a.nextPort

		a.nextPort += 2
		if a.nextPort > a.portMax-1 {
			a.nextPort = a.portMin
		}

		if _, taken := a.allocated[port]; !taken {
			pair, err := bindPair(port)
			if err == nil {
				a.allocated[port] = struct{}{}
				a.logger.Debug("port pair allocated",
					"rtp_port", port,
					"allocated", len(a.allocated),
				)
				return pair, nil
			}
			// Port in use by another process; skip it.
			a.logger.Debug("port pair bind failed, trying next", "rtp_port", port, "error", err)
		}

		if a.nextPort == start {
			return nil, ErrPortsExhausted
		}
	}
}

// Release closes the sockets and returns the pair to the pool.
func (a *PortAllocator) Release(pair *PortPair) {
	if pair == nil {
		return
	}

	if err := pair.Close(); err != nil {
		a.logger.Warn("error closing port pair", "rtp_port", pair.RTPPort, "error", err)
	}

	a.mu.Lock()
	delete(a.allocated, pair.RTPPort)
	count := len(a.allocated)
	a.mu.Unlock()

	a.logger.Debug("port pair released", "rtp_port", pair.RTPPort, "allocated", count)
}

// bindPair binds UDP sockets on the given even port and its odd
// companion. If either bind fails, both are cleaned up.
func bindPair(rtpPort int) (*PortPair, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort + 1})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtpPort+1, err)
	}
	return &PortPair{
		RTPPort:  rtpPort,
		RTCPPort: rtpPort + 1,
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}
