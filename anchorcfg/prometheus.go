package anchorcfg

// Prometheus configures the Prometheus exporter.
//
//nolint:lll
type Prometheus struct {
	// Enable indicates whether to export metrics.
	Enable bool `long:"enable" description:"Enable Prometheus exporter."`

	// Listen is the address the exporter serves /metrics on.
	Listen string `long:"listen" description:"The interface we should listen on for Prometheus metrics."`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() *Prometheus {
	return &Prometheus{
		Listen: "127.0.0.1:8989",
	}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Enable
}
