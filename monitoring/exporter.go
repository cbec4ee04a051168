// Package monitoring exports the state of an anchoring node to Prometheus.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csales1987/exonum-btc-anchoring/anchorcfg"
	"github.com/csales1987/exonum-btc-anchoring/build"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Exporter serves the node's metrics on /metrics.
type Exporter struct {
	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	cfg      *anchorcfg.Prometheus
	registry *prometheus.Registry

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

// NewExporter creates an exporter reporting the status of src together with
// the version, uptime and runtime metrics of the process.
func NewExporter(cfg *anchorcfg.Prometheus,
	src StatusSource) (*Exporter, error) {

	registry := prometheus.NewRegistry()

	versionGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anchoring_version",
			Help: "Version of the anchoring daemon.",
		},
		[]string{"version", "commit"},
	)
	versionGauge.WithLabelValues(build.Version(), build.Commit).Set(1)

	startTime := time.Now()
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "anchoring_uptime_seconds",
			Help: "Uptime of the anchoring daemon in seconds.",
		},
		func() float64 {
			return time.Since(startTime).Seconds()
		},
	)

	for _, c := range []prometheus.Collector{
		versionGauge,
		uptime,
		newStatusCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("unable to register collector: %w",
				err)
		}
	}

	return &Exporter{
		cfg:      cfg,
		registry: registry,
	}, nil
}

// Registry returns the registry holding the exported metrics.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Start begins serving metrics.
func (e *Exporter) Start() error {
	if !atomic.CompareAndSwapUint32(&e.started, 0, 1) {
		return nil
	}

	listener, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return fmt.Errorf("unable to listen on %v: %w", e.cfg.Listen,
			err)
	}
	e.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		e.registry, promhttp.HandlerOpts{},
	))
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("Prometheus exporter started on %v/metrics", listener.Addr())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return nil
}

// Addr returns the address the exporter listens on. It is only valid after
// Start.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() error {
	if !atomic.CompareAndSwapUint32(&e.stopped, 0, 1) {
		return nil
	}
	if e.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		shutdownTimeout)
	defer cancel()

	err := e.server.Shutdown(ctx)
	e.wg.Wait()

	return err
}
