// Package inspector provides the optional diagnostic overlay: an HTTP server
// exposing runtime profiling and session metrics. It runs alongside either
// role when the inspector flag is enabled and has no contract with the
// session layer beyond scraping its collectors.
package inspector

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tethergame/tether/internal/core"
)

// processInfo tags every scrape with the host the process runs on, so metrics
// aggregated across a fleet stay attributable.
var processInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tether_process_info",
	Help: "Static metadata about the running process.",
}, []string{"hostname"})

// Start spins the inspector HTTP server off on its own goroutine. The pprof
// handlers register themselves on the default mux; /metrics serves the
// session collectors.
func Start(logger *logrus.Logger, port int) {
	processInfo.WithLabelValues(core.Hostname()).Set(1)
	http.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting inspector on %s", addr)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Warnf("error starting inspector server: %v", err)
		}
	}()
}
