package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retail_build_info",
			Help: "Constant 1, labelled with the running service, its version and the Go runtime.",
		},
		[]string{"service", "version", "goversion"},
	)
)

// InitBuildInfo publishes retail_build_info for this binary.
func InitBuildInfo(service, version string) {
	buildInfoOnce.Do(func() { prometheus.MustRegister(buildInfo) })
	buildInfo.Reset()
	buildInfo.WithLabelValues(service, version, runtime.Version()).Set(1)
}
