package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statConns      = "duplex_proxy_conns"
	statErr        = "duplex_proxy_err"
	statVersions   = "duplex_proxy_version"
	statFragments  = "duplex_engine_fragments"
	statMsgAlloc   = "duplex_engine_msgs_allocated"
	statMsgFree    = "duplex_engine_msgs_free"
	statParseErr   = "duplex_engine_peer_parse_err"
	statProxyTimer = "duplex_proxy_timer"
)

var (
	conns      *prometheus.GaugeVec
	versions   *prometheus.GaugeVec
	gerr       *prometheus.GaugeVec
	fragments  *prometheus.CounterVec
	msgAlloc   prometheus.Gauge
	msgFree    prometheus.Gauge
	parseErr   *prometheus.CounterVec
	proxyTimer *prometheus.HistogramVec

	listenLabels       = []string{"listen"}
	listenNodeErrLabel = []string{"listen", "node", "cmd", "error"}
	listenCmdLabels    = []string{"listen", "cmd"}
	versionLabels      = []string{"version"}
	familyLabels       = []string{"family"}
	// On Prom switch
	On = true
)

// Init init prometheus.
func Init() {
	conns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: statConns,
			Help: statConns,
		}, listenLabels)
	prometheus.MustRegister(conns)
	versions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: statVersions,
			Help: statVersions,
		}, versionLabels)
	prometheus.MustRegister(versions)
	gerr = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: statErr,
			Help: statErr,
		}, listenNodeErrLabel)
	prometheus.MustRegister(gerr)
	fragments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: statFragments,
			Help: statFragments,
		}, familyLabels)
	prometheus.MustRegister(fragments)
	parseErr = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: statParseErr,
			Help: statParseErr,
		}, familyLabels)
	prometheus.MustRegister(parseErr)
	msgAlloc = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: statMsgAlloc,
			Help: statMsgAlloc,
		})
	prometheus.MustRegister(msgAlloc)
	msgFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: statMsgFree,
			Help: statMsgFree,
		})
	prometheus.MustRegister(msgFree)
	proxyTimer = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    statProxyTimer,
			Help:    statProxyTimer,
			Buckets: []float64{1000, 2000, 4000, 10000},
		}, listenCmdLabels)
	prometheus.MustRegister(proxyTimer)
	// metrics
	metrics()
}

func metrics() {
	http.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		h := promhttp.Handler()
		h.ServeHTTP(w, r)
	})
}

// ProxyTime log timing information (in microseconds).
func ProxyTime(listen, cmd string, ts int64) {
	if proxyTimer == nil {
		return
	}
	proxyTimer.WithLabelValues(listen, cmd).Observe(float64(ts))
}

// ErrIncr increments one stat error counter.
func ErrIncr(listen, node, cmd, err string) {
	if gerr == nil {
		return
	}
	gerr.WithLabelValues(listen, node, cmd, err).Inc()
}

// FragmentIncr counts one request split on the client plane.
func FragmentIncr(family string) {
	if fragments == nil {
		return
	}
	fragments.WithLabelValues(family).Inc()
}

// PeerParseErrIncr counts one swallowed replication-plane parse error.
func PeerParseErrIncr(family string) {
	if parseErr == nil {
		return
	}
	parseErr.WithLabelValues(family).Inc()
}

// MsgPoolState records allocated and free message counts of one engine.
func MsgPoolState(alloc, free int) {
	if msgAlloc == nil || msgFree == nil {
		return
	}
	msgAlloc.Set(float64(alloc))
	msgFree.Set(float64(free))
}

// VersionState set current versioin state.
func VersionState(version string) {
	if versions == nil {
		return
	}
	versions.WithLabelValues(version).Set(1)
}

// ConnIncr increments one conn gauge.
func ConnIncr(listen string) {
	if conns == nil {
		return
	}
	conns.WithLabelValues(listen).Inc()
}

// ConnDecr decrements one conn gauge.
func ConnDecr(listen string) {
	if conns == nil {
		return
	}
	conns.WithLabelValues(listen).Dec()
}
