package monitoring

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/csales1987/exonum-btc-anchoring/anchornode"
	"github.com/prometheus/client_golang/prometheus"
)

// StatusSource is implemented by anchornode.Node.
type StatusSource interface {
	Status() anchornode.Status
}

// We use a custom collector so that every scrape reads one consistent
// snapshot of the node.
type statusCollector struct {
	src StatusSource

	seqDesc          *prometheus.Desc
	epochDesc        *prometheus.Desc
	ledgerHeightDesc *prometheus.Desc
	haltedDesc       *prometheus.Desc
	activeDesc       *prometheus.Desc
	tipDesc          *prometheus.Desc
	lastPollDesc     *prometheus.Desc
	broadcastsDesc   *prometheus.Desc
	rejectedDesc     *prometheus.Desc
}

func newStatusCollector(src StatusSource) *statusCollector {
	return &statusCollector{
		src: src,
		seqDesc: prometheus.NewDesc(
			"anchoring_applied_seq",
			"Sequence number of the last applied log entry.",
			nil, nil),
		epochDesc: prometheus.NewDesc(
			"anchoring_epoch",
			"Current validator set epoch.",
			nil, nil),
		ledgerHeightDesc: prometheus.NewDesc(
			"anchoring_ledger_height",
			"Latest ledger height seen by the state machine.",
			nil, nil),
		haltedDesc: prometheus.NewDesc(
			"anchoring_halted",
			"Whether anchoring is halted and needs operator "+
				"intervention.",
			nil, nil),
		activeDesc: prometheus.NewDesc(
			"anchoring_active_proposal",
			"Whether a proposal is being signed or awaits "+
				"confirmation.",
			nil, nil),
		tipDesc: prometheus.NewDesc(
			"anchoring_tip_info",
			"The agreed anchor chain tip.",
			[]string{"txid"}, nil),
		lastPollDesc: prometheus.NewDesc(
			"anchoring_last_poll_timestamp_seconds",
			"Time of the last successful chain poll.",
			nil, nil),
		broadcastsDesc: prometheus.NewDesc(
			"anchoring_broadcasts_total",
			"Number of anchoring transactions broadcast.",
			nil, nil),
		rejectedDesc: prometheus.NewDesc(
			"anchoring_rejected_messages_total",
			"Number of log entries the state machine rejected.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.seqDesc
	ch <- c.epochDesc
	ch <- c.ledgerHeightDesc
	ch <- c.haltedDesc
	ch <- c.activeDesc
	ch <- c.tipDesc
	ch <- c.lastPollDesc
	ch <- c.broadcastsDesc
	ch <- c.rejectedDesc
}

// Collect implements prometheus.Collector.
func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	status := c.src.Status()

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(
			desc, prometheus.GaugeValue, v, labels...,
		)
	}
	boolValue := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	gauge(c.seqDesc, float64(status.Seq))
	gauge(c.epochDesc, float64(status.Epoch))
	gauge(c.ledgerHeightDesc, float64(status.LedgerHeight))
	gauge(c.haltedDesc, boolValue(status.Halted))
	gauge(c.activeDesc, boolValue(status.Active.IsSome()))

	status.Tip.WhenSome(func(txid chainhash.Hash) {
		gauge(c.tipDesc, 1, txid.String())
	})

	if !status.LastPoll.IsZero() {
		gauge(c.lastPollDesc, float64(status.LastPoll.Unix()))
	}

	ch <- prometheus.MustNewConstMetric(
		c.broadcastsDesc, prometheus.CounterValue,
		float64(status.Broadcasts),
	)
	ch <- prometheus.MustNewConstMetric(
		c.rejectedDesc, prometheus.CounterValue,
		float64(status.Rejected),
	)
}
