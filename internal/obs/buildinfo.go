package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// build_info: константа 1 с метками версии/коммита.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "QR attendance service build information.",
		},
		[]string{"version", "commit"},
	)

	buildMu      sync.RWMutex
	buildVersion = "dev"
	buildCommit  = "none"
)

// InitBuildInfo registers build_info once and records the running version.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)

	buildMu.Lock()
	buildVersion, buildCommit = version, commit
	buildMu.Unlock()
}

// BuildInfo returns the values passed to InitBuildInfo.
func BuildInfo() (version, commit string) {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return buildVersion, buildCommit
}
