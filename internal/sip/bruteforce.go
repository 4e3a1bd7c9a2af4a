package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

// maxBlockDuration caps the progressive backoff.
const maxBlockDuration = 24 * time.Hour

// GuardConfig tunes the brute-force guard.
type GuardConfig struct {
	// Window is the sliding window in which failures are counted.
	Window time.Duration
	// Threshold is the number of failures within the window that
	// triggers a block.
	Threshold int
	// BlockFor is the initial block duration. Repeat offences double
	// it up to maxBlockDuration.
	BlockFor time.Duration
}

// ipRecord tracks per-IP authentication failure state.
type ipRecord struct {
	failures  []time.Time
	blocked   bool
	blockedAt time.Time
	blockFor  time.Duration
}

// BruteForceGuard tracks failed SIP authentication attempts per source
// IP and blocks sources that exceed the failure threshold, fail2ban
// style. Blocks expire automatically; repeated offences double the
// block duration.
type BruteForceGuard struct {
	mu      sync.Mutex
	cfg     GuardConfig
	records map[string]*ipRecord
	logger  *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state.
func NewBruteForceGuard(cfg GuardConfig, logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		cfg:     cfg,
		records: make(map[string]*ipRecord),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked reports whether the source address is currently blocked.
// The source may be "ip:port" or a bare IP.
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}

	if time.Since(rec.blockedAt) > rec.blockFor {
		rec.blocked = false
		rec.failures = nil
		return false
	}
	return true
}

// RecordFailure records a failed authentication attempt. Crossing the
// threshold blocks the source.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{blockFor: g.cfg.BlockFor}
		g.records[ip] = rec
	}
	if rec.blocked {
		return
	}

	now := time.Now()
	rec.failures = pruneOldFailures(rec.failures, now, g.cfg.Window)
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= g.cfg.Threshold {
		rec.blocked = true
		rec.blockedAt = now
		rec.failures = nil

		g.logger.Warn("source blocked after repeated failed sip auth",
			"ip", ip,
			"block_duration", rec.blockFor.String(),
		)

		next := rec.blockFor * 2
		if next > maxBlockDuration {
			next = maxBlockDuration
		}
		rec.blockFor = next
	}
}

// RecordSuccess clears the failure counter for a source. The escalated
// block duration is kept so repeat offenders still serve longer blocks.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup removes expired blocks and stale records. Called periodically
// alongside nonce cleanup.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		if !rec.blocked && len(pruneOldFailures(rec.failures, now, g.cfg.Window)) == 0 {
			delete(g.records, ip)
		}
	}
}

// BlockedIPEntry is one blocked source for operator display.
type BlockedIPEntry struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlockedIPs returns the currently blocked sources and their expiry.
func (g *BruteForceGuard) BlockedIPs() []BlockedIPEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var entries []BlockedIPEntry
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) <= rec.blockFor {
			entries = append(entries, BlockedIPEntry{
				IP:        ip,
				BlockedAt: rec.blockedAt,
				ExpiresAt: rec.blockedAt.Add(rec.blockFor),
			})
		}
	}
	return entries
}

// BlockedCount returns the number of currently blocked sources.
func (g *BruteForceGuard) BlockedCount() int {
	return len(g.BlockedIPs())
}

// UnblockIP removes a block manually. Returns true when the IP was
// blocked.
func (g *BruteForceGuard) UnblockIP(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	rec.blocked = false
	rec.failures = nil
	g.logger.Info("ip manually unblocked", "ip", ip)
	return true
}

// extractIP parses the IP from a "host:port" string or returns the raw
// string when it is already a bare IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}

// pruneOldFailures keeps only failures within the window.
func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var pruned []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}
