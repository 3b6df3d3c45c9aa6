package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// SessionStats provides the collector access to live pipeline state.
type SessionStats interface {
	State() string
	CapturedSeconds() float64
	ChunksInFlight() int
	SubscriberCount() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats SessionStats

	sessionActive   *prometheus.Desc
	capturedSeconds *prometheus.Desc
	chunksInFlight  *prometheus.Desc
	sseSubscribers  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (metrics will report 0). stats may be nil before a
// controller exists.
func NewCollector(pool *pgxpool.Pool, stats SessionStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		sessionActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "session_active"),
			"1 while a capture session is running, 0 otherwise.",
			nil, nil,
		),
		capturedSeconds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "session_captured_seconds"),
			"Seconds of audio captured in the current session.",
			nil, nil,
		),
		chunksInFlight: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "chunks_in_flight"),
			"Chunks currently awaiting recognition.",
			nil, nil,
		),
		sseSubscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sse_subscribers_active"),
			"Current number of SSE subscribers.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionActive
	ch <- c.capturedSeconds
	ch <- c.chunksInFlight
	ch <- c.sseSubscribers
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		active := 0.0
		if s := c.stats.State(); s == "capturing" || s == "rolling" || s == "stopping" {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(c.sessionActive, prometheus.GaugeValue, active)
		ch <- prometheus.MustNewConstMetric(c.capturedSeconds, prometheus.GaugeValue, c.stats.CapturedSeconds())
		ch <- prometheus.MustNewConstMetric(c.chunksInFlight, prometheus.GaugeValue, float64(c.stats.ChunksInFlight()))
		ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, float64(c.stats.SubscriberCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.sessionActive, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.capturedSeconds, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.chunksInFlight, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.sseSubscribers, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
