package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	bridgemetrics "github.com/gaspardpetit/bridgerpc/sdk/metrics"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "bridgerpc_build_info",
			Help:        "Build information for the bridgerpc coordinator",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	draining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridgerpc_server_draining",
			Help: "1 while the coordinator refuses new endpoints and waits for live work",
		},
	)
)

// Register registers the coordinator metrics together with the bridge
// routing metrics.
func Register(r bridgemetrics.Registerer) {
	r.MustRegister(buildInfo, draining)
	bridgemetrics.Register(r)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetDraining records whether the server is draining.
func SetDraining(on bool) {
	if on {
		draining.Set(1)
		return
	}
	draining.Set(0)
}
