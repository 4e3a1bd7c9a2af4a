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

// readTimeout is the read deadline used in socket loops so goroutines
// can periodically check the stopped flag.
const readTimeout = 100 * time.Millisecond

// atomicAddr provides thread-safe storage for a UDP address. Used for
// symmetric RTP where the remote address is learned from the first
// incoming packet rather than relying solely on the SDP-signaled one.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	if addr != nil {
		a.v.Store(addr)
	}
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address; reports whether it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

// RelayStats holds packet counters for one relay.
type RelayStats struct {
	PacketsAToB uint64
	PacketsBToA uint64
	BytesAToB   uint64
	BytesBToA   uint64
	Dropped     uint64
}

// Relay forwards RTP between the two legs of a connected call through a
// single local port pair. Both endpoints send to the same local RTP
// port; packets are classified by source address and forwarded verbatim
// to the opposite leg.
//
// Symmetric RTP: each leg's address starts from SDP and is replaced by
// the actual source of the first packet whose IP matches, handling NAT
// where the signaled port differs from the real one.
type Relay struct {
	CallID string

	pair   *PortPair
	logger *slog.Logger

	legA *atomicAddr // caller
	legB *atomicAddr // callee

	allowedPT map[int]struct{}

	lastPacket atomic.Int64 // unix nanos of the most recent packet
	stopped    atomic.Bool
	wg         sync.WaitGroup

	mu    sync.Mutex
	seqA  SequenceFilter
	seqB  SequenceFilter
	stats RelayStats
}

// NewRelay creates a relay for a call over the given port pair. legA
// and legB are the RTP endpoints taken from the caller's offer and the
// callee's answer. allowedPayloadTypes is the negotiated codec set plus
// the telephone-event type.
func NewRelay(callID string, pair *PortPair, legA, legB *net.UDPAddr, allowedPayloadTypes []int, logger *slog.Logger) *Relay {
	pt := make(map[int]struct{}, len(allowedPayloadTypes))
	for _, p := range allowedPayloadTypes {
		pt[p] = struct{}{}
	}
	r := &Relay{
		CallID:    callID,
		pair:      pair,
		logger:    logger.With("subsystem", "rtp-relay", "call_id", callID),
		legA:      newAtomicAddr(legA),
		legB:      newAtomicAddr(legB),
		allowedPT: pt,
	}
	r.lastPacket.Store(time.Now().UnixNano())
	return r
}

// RTPPort returns the relay's local RTP port.
func (r *Relay) RTPPort() int {
	return r.pair.RTPPort
}

// Start begins forwarding. Non-blocking; the read loop runs in a
// background goroutine until Stop.
func (r *Relay) Start() {
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("rtp relay started",
		"local_port", r.pair.RTPPort,
		"leg_a", addrString(r.legA.load()),
		"leg_b", addrString(r.legB.load()),
	)
}

// Stop halts forwarding and waits for the read loop to exit. The port
// pair itself is released by the owner.
func (r *Relay) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.wg.Wait()
	stats := r.Stats()
	r.logger.Info("rtp relay stopped",
		"packets_a_to_b", stats.PacketsAToB,
		"packets_b_to_a", stats.PacketsBToA,
		"dropped", stats.Dropped,
	)
}

// Stats returns a snapshot of the relay's packet counters.
func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// LastPacketAt returns the arrival time of the most recent packet.
func (r *Relay) LastPacketAt() time.Time {
	return time.Unix(0, r.lastPacket.Load())
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return "unknown"
	}
	return a.String()
}

// loop reads packets from the shared RTP socket, classifies them by
// source leg and forwards to the opposite leg's learned address.
func (r *Relay) loop() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	for {
		if r.stopped.Load() {
			return
		}

		r.pair.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := r.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if r.stopped.Load() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("rtp read error", "error", err)
			continue
		}

		pkt := parseRTP(buf[:n])
		if pkt == nil {
			r.drop()
			continue
		}
		if _, ok := r.allowedPT[int(pkt.PayloadType)]; !ok {
			r.drop()
			continue
		}

		fromA, dst := r.classify(src)
		if dst == nil {
			r.drop()
			continue
		}

		r.mu.Lock()
		filter := &r.seqB
		if fromA {
			filter = &r.seqA
		}
		ok := filter.Accept(pkt.SequenceNumber)
		r.mu.Unlock()
		if !ok {
			r.drop()
			continue
		}

		if _, err := r.pair.RTPConn.WriteToUDP(buf[:n], dst); err != nil {
			if r.stopped.Load() {
				return
			}
			r.logger.Debug("rtp write error", "error", err)
			continue
		}

		r.lastPacket.Store(time.Now().UnixNano())
		r.count(fromA, n)
	}
}

// classify attributes a source address to one of the legs, learning
// post-NAT addresses when the IP matches but the port moved. Returns
// whether the packet came from leg A and the destination to forward to.
func (r *Relay) classify(src *net.UDPAddr) (fromA bool, dst *net.UDPAddr) {
	a, b := r.legA.load(), r.legB.load()

	switch {
	case sameAddr(src, a):
		return true, b
	case sameAddr(src, b):
		return false, a
	case a != nil && a.IP.Equal(src.IP):
		if r.legA.update(src) {
			r.logger.Info("symmetric rtp: learned leg address", "leg", "a", "address", src.String())
		}
		return true, b
	case b != nil && b.IP.Equal(src.IP):
		if r.legB.update(src) {
			r.logger.Info("symmetric rtp: learned leg address", "leg", "b", "address", src.String())
		}
		return false, a
	default:
		return false, nil
	}
}

func (r *Relay) drop() {
	r.mu.Lock()
	r.stats.Dropped++
	r.mu.Unlock()
}

func (r *Relay) count(fromA bool, n int) {
	r.mu.Lock()
	if fromA {
		r.stats.PacketsAToB++
		r.stats.BytesAToB += uint64(n)
	} else {
		r.stats.PacketsBToA++
		r.stats.BytesBToA += uint64(n)
	}
	r.mu.Unlock()
}

// defaultIdleTimeout is how long a relay may sit with no packets in
// either direction before the sweeper reclaims it.
const defaultIdleTimeout = 60 * time.Second

// RelayManager tracks active relays and reclaims idle ones.
type RelayManager struct {
	allocator   *PortAllocator
	logger      *slog.Logger
	idleTimeout time.Duration

	mu     sync.RWMutex
	relays map[string]*relayEntry // keyed by call ID

	// OnIdle, when set, is invoked (outside the lock) with the call ID
	// of every relay reclaimed by the idle sweeper.
	OnIdle func(callID string)
}

type relayEntry struct {
	relay *Relay
	pair  *PortPair
}

// NewRelayManager creates a manager over the given allocator.
func NewRelayManager(allocator *PortAllocator, logger *slog.Logger) *RelayManager {
	return &RelayManager{
		allocator:   allocator,
		logger:      logger.With("subsystem", "relay-manager"),
		idleTimeout: defaultIdleTimeout,
		relays:      make(map[string]*relayEntry),
	}
}

// Start creates, registers and starts a relay for a call. The port pair
// must have been allocated by this manager's allocator; the manager
// owns it from here on.
func (m *RelayManager) Start(callID string, pair *PortPair, legA, legB *net.UDPAddr, allowedPT []int) *Relay {
	relay := NewRelay(callID, pair, legA, legB, allowedPT, m.logger)

	m.mu.Lock()
	m.relays[callID] = &relayEntry{relay: relay, pair: pair}
	m.mu.Unlock()

	relay.Start()
	return relay
}

// Stop halts a call's relay and releases its ports. No-op when the call
// has no relay.
func (m *RelayManager) Stop(callID string) {
	m.mu.Lock()
	entry, ok := m.relays[callID]
	if ok {
		delete(m.relays, callID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	entry.relay.Stop()
	m.allocator.Release(entry.pair)
}

// Get returns a call's relay, or nil.
func (m *RelayManager) Get(callID string) *Relay {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.relays[callID]; ok {
		return entry.relay
	}
	return nil
}

// Count returns the number of active relays.
func (m *RelayManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}

// AggregateStats sums the packet counters across all active relays.
func (m *RelayManager) AggregateStats() RelayStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total RelayStats
	for _, entry := range m.relays {
		s := entry.relay.Stats()
		total.PacketsAToB += s.PacketsAToB
		total.PacketsBToA += s.PacketsBToA
		total.BytesAToB += s.BytesAToB
		total.BytesBToA += s.BytesBToA
		total.Dropped += s.Dropped
	}
	return total
}

// Run sweeps for idle relays until the context is cancelled.
func (m *RelayManager) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *RelayManager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []string
	for callID, entry := range m.relays {
		if entry.relay.LastPacketAt().Before(cutoff) {
			idle = append(idle, callID)
		}
	}
	m.mu.Unlock()

	for _, callID := range idle {
		m.logger.Info("reclaiming idle rtp relay", "call_id", callID, "idle_timeout", m.idleTimeout)
		m.Stop(callID)
		if m.OnIdle != nil {
			m.OnIdle(callID)
		}
	}
}
