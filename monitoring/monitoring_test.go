package monitoring

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/csales1987/exonum-btc-anchoring/anchorcfg"
	"github.com/csales1987/exonum-btc-anchoring/anchornode"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	status anchornode.Status
}

func (s *staticSource) Status() anchornode.Status {
	return s.status
}

// gather returns the metric families of the registry by name.
func gather(t *testing.T, g prometheus.Gatherer) map[string]*dto.MetricFamily {
	t.Helper()

	families, err := g.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	return byName
}

func value(m *dto.Metric) float64 {
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}

	return m.GetGauge().GetValue()
}

func TestStatusCollector(t *testing.T) {
	tip := chainhash.Hash{0xaa}
	src := &staticSource{status: anchornode.Status{
		Seq:          12,
		Epoch:        1,
		LedgerHeight: 2000,
		Tip:          fn.Some(tip),
		Active:       fn.Some(chainhash.Hash{0xbb}),
		Halted:       true,
		LastPoll:     time.Unix(1700000000, 0),
		Broadcasts:   3,
		Rejected:     2,
	}}

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(newStatusCollector(src)))

	families := gather(t, registry)

	expected := map[string]float64{
		"anchoring_applied_seq":                 12,
		"anchoring_epoch":                       1,
		"anchoring_ledger_height":               2000,
		"anchoring_halted":                      1,
		"anchoring_active_proposal":             1,
		"anchoring_tip_info":                    1,
		"anchoring_last_poll_timestamp_seconds": 1700000000,
		"anchoring_broadcasts_total":            3,
		"anchoring_rejected_messages_total":     2,
	}
	for name, want := range expected {
		family, ok := families[name]
		require.True(t, ok, name)
		require.Len(t, family.GetMetric(), 1, name)
		require.Equal(t, want, value(family.GetMetric()[0]), name)
	}

	label := families["anchoring_tip_info"].GetMetric()[0].GetLabel()[0]
	require.Equal(t, "txid", label.GetName())
	require.Equal(t, tip.String(), label.GetValue())

	// Without a tip or poll those series disappear.
	src.status = anchornode.Status{}
	families = gather(t, registry)
	require.NotContains(t, families, "anchoring_tip_info")
	require.NotContains(t, families, "anchoring_last_poll_timestamp_seconds")
	require.Zero(t, value(families["anchoring_halted"].GetMetric()[0]))
}

func TestExporterServesMetrics(t *testing.T) {
	exporter, err := NewExporter(&anchorcfg.Prometheus{
		Enable: true,
		Listen: "127.0.0.1:0",
	}, &staticSource{status: anchornode.Status{Epoch: 7}})
	require.NoError(t, err)

	require.NoError(t, exporter.Start())
	t.Cleanup(func() {
		require.NoError(t, exporter.Stop())
	})

	resp, err := http.Get("http://" + exporter.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.True(t, strings.Contains(string(body), "anchoring_epoch 7"))
	require.True(t, strings.Contains(string(body), "anchoring_version"))
	require.True(t, strings.Contains(string(body), "go_goroutines"))
}
