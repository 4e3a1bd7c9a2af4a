// Package metrics exposes a prometheus.Collector that gathers PBX
// state at scrape time instead of maintaining counters inline.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wirepbx/wirepbx/internal/media"
)

// CallCounter exposes the number of calls in progress.
type CallCounter interface {
	ActiveCount() int
}

// RegistrationCounter returns the number of live SIP bindings.
type RegistrationCounter interface {
	Count() int
}

// PortUsageProvider exposes RTP port pool usage.
type PortUsageProvider interface {
	AllocatedCount() int
	Capacity() int
}

// RelayStatsProvider exposes active relay count and aggregate packet
// counters.
type RelayStatsProvider interface {
	Count() int
	AggregateStats() media.RelayStats
}

// DispositionCounter returns finished-call totals grouped by
// disposition.
type DispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int, error)
}

// VoicemailCounter returns the total stored voicemail message count.
type VoicemailCounter interface {
	CountAll(ctx context.Context) (int, error)
}

// BlockedSourceCounter returns the number of sources blocked by the
// brute-force guard.
type BlockedSourceCounter interface {
	BlockedCount() int
}

// Collector is a prometheus.Collector that queries the providers at
// scrape time.
type Collector struct {
	calls         CallCounter
	registrations RegistrationCounter
	ports         PortUsageProvider
	relays        RelayStatsProvider
	cdrs          DispositionCounter
	voicemail     VoicemailCounter
	blocked       BlockedSourceCounter
	startTime     time.Time

	// Metric descriptors.
	activeCallsDesc       *prometheus.Desc
	registrationsDesc     *prometheus.Desc
	rtpPairsDesc          *prometheus.Desc
	rtpCapacityDesc       *prometheus.Desc
	relaysDesc            *prometheus.Desc
	rtpPacketsDesc        *prometheus.Desc
	rtpPacketsDroppedDesc *prometheus.Desc
	rtpBytesDesc          *prometheus.Desc
	callsTotalDesc        *prometheus.Desc
	voicemailMessagesDesc *prometheus.Desc
	blockedSourcesDesc    *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a collector. Any provider may be nil; its
// metrics are then omitted from the scrape.
func NewCollector(
	calls CallCounter,
	registrations RegistrationCounter,
	ports PortUsageProvider,
	relays RelayStatsProvider,
	cdrs DispositionCounter,
	voicemail VoicemailCounter,
	blocked BlockedSourceCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:         calls,
		registrations: registrations,
		ports:         ports,
		relays:        relays,
		cdrs:          cdrs,
		voicemail:     voicemail,
		blocked:       blocked,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"wirepbx_active_calls",
			"Number of calls currently in progress (ringing + connected)",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"wirepbx_registered_extensions",
			"Number of extensions with a live SIP registration",
			nil, nil,
		),
		rtpPairsDesc: prometheus.NewDesc(
			"wirepbx_rtp_port_pairs_allocated",
			"RTP/RTCP port pairs currently allocated",
			nil, nil,
		),
		rtpCapacityDesc: prometheus.NewDesc(
			"wirepbx_rtp_port_pairs_capacity",
			"Total RTP/RTCP port pairs in the configured range",
			nil, nil,
		),
		relaysDesc: prometheus.NewDesc(
			"wirepbx_rtp_relays_active",
			"Number of active RTP relays",
			nil, nil,
		),
		rtpPacketsDesc: prometheus.NewDesc(
			"wirepbx_rtp_packets_forwarded_total",
			"RTP packets forwarded across all active relays",
			nil, nil,
		),
		rtpPacketsDroppedDesc: prometheus.NewDesc(
			"wirepbx_rtp_packets_dropped_total",
			"RTP packets dropped across all active relays",
			nil, nil,
		),
		rtpBytesDesc: prometheus.NewDesc(
			"wirepbx_rtp_bytes_forwarded_total",
			"RTP bytes forwarded across all active relays",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"wirepbx_calls_total",
			"Finished calls by disposition (from CDRs)",
			[]string{"disposition"}, nil,
		),
		voicemailMessagesDesc: prometheus.NewDesc(
			"wirepbx_voicemail_messages",
			"Stored voicemail messages across all mailboxes",
			nil, nil,
		),
		blockedSourcesDesc: prometheus.NewDesc(
			"wirepbx_blocked_sources",
			"Source IPs currently blocked after repeated SIP auth failures",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"wirepbx_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationsDesc
	ch <- c.rtpPairsDesc
	ch <- c.rtpCapacityDesc
	ch <- c.relaysDesc
	ch <- c.rtpPacketsDesc
	ch <- c.rtpPacketsDroppedDesc
	ch <- c.rtpBytesDesc
	ch <- c.callsTotalDesc
	ch <- c.voicemailMessagesDesc
	ch <- c.blockedSourcesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCount()),
		)
	}

	if c.registrations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.registrations.Count()),
		)
	}

	if c.ports != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpPairsDesc, prometheus.GaugeValue,
			float64(c.ports.AllocatedCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpCapacityDesc, prometheus.GaugeValue,
			float64(c.ports.Capacity()),
		)
	}

	if c.relays != nil {
		ch <- prometheus.MustNewConstMetric(
			c.relaysDesc, prometheus.GaugeValue,
			float64(c.relays.Count()),
		)
		stats := c.relays.AggregateStats()
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsDesc, prometheus.CounterValue,
			float64(stats.PacketsAToB+stats.PacketsBToA),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsDroppedDesc, prometheus.CounterValue,
			float64(stats.Dropped),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpBytesDesc, prometheus.CounterValue,
			float64(stats.BytesAToB+stats.BytesBToA),
		)
	}

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: counting cdrs by disposition", "error", err)
		} else {
			for disposition, count := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(count), disposition,
				)
			}
		}
	}

	if c.voicemail != nil {
		count, err := c.voicemail.CountAll(ctx)
		if err != nil {
			slog.Error("metrics: counting voicemail messages", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.voicemailMessagesDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.blocked != nil {
		ch <- prometheus.MustNewConstMetric(
			c.blockedSourcesDesc, prometheus.GaugeValue,
			float64(c.blocked.BlockedCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
