package streamd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "appends_total",
		Help:      "Append requests by result.",
	}, []string{"result"})

	metricReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "reads_total",
		Help:      "Read requests by delivery mode.",
	}, []string{"mode"})

	metricLongPollWakeups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "long_poll_wakeups_total",
		Help:      "Long-poll waiters woken by a tail advance.",
	})

	metricPrecacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "precache_hits_total",
		Help:      "Long-poll responses served from the pre-warmed cache.",
	})

	metricLiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamd",
		Name:      "live_subscribers",
		Help:      "Currently connected SSE and WebSocket subscribers.",
	})

	metricSegmentRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "segment_rotations_total",
		Help:      "Hot segments promoted to cold storage.",
	})

	metricExpiredStreams = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamd",
		Name:      "expired_streams_total",
		Help:      "Streams removed by the expiry sweeper.",
	})
)
