// Package stats collects the live counters and gauges exposed through
// the admin API's `GET /stats` route (§6) and registers them with a
// Prometheus registry, grounded on the metrics-struct-of-named-fields
// pattern used across the pack (e.g. a dnsd-style collector keeping one
// prometheus.Counter/Gauge field per observed quantity, all wired up
// with prometheus.MustRegister at construction time rather than lazily).
//
// The original's stats collector exposes a removal-reason histogram
// (one counter per §4.5 reason) rather than a single aggregate counter;
// Collector.ConnectionClosed keeps that shape via a CounterVec labeled
// by reason.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arataga-proxy/arataga/internal/aclconn"
	"github.com/arataga-proxy/arataga/internal/dnsresolver"
)

// Collector owns every metric this process exposes and the registry
// they are registered on.
type Collector struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsActive    prometheus.Gauge
	connectionsClosed    *prometheus.CounterVec

	bytesTransferred *prometheus.CounterVec

	dnsCacheHits     prometheus.Counter
	dnsCacheMisses   prometheus.Counter
	dnsCoalesced     prometheus.Counter
	dnsFailures      prometheus.Counter
	dnsCacheSize     prometheus.Gauge

	bandwidthActiveUsers prometheus.Gauge
}

// New builds a Collector with a fresh registry and every metric
// pre-registered, so GET /stats never reports a partially-initialized
// vector.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arataga",
			Name:      "connections_accepted_total",
			Help:      "Total connections accepted across every ACL.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arataga",
			Name:      "connections_active",
			Help:      "Connections currently registered in an ACL's connection table.",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arataga",
			Name:      "connections_closed_total",
			Help:      "Connections removed from an ACL's connection table, by removal reason.",
		}, []string{"reason"}),
		bytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arataga",
			Name:      "bytes_transferred_total",
			Help:      "Bytes relayed between user and target, by direction.",
		}, []string{"direction"}),
		dnsCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arataga",
			Subsystem: "dns",
			Name:      "cache_hits_total",
			Help:      "DNS resolutions answered from cache.",
		}),
		dnsCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arataga",
			Subsystem: "dns",
			Name:      "cache_misses_total",
			Help:      "DNS resolutions that required an upstream query.",
		}),
		dnsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arataga",
			Subsystem: "dns",
			Name:      "coalesced_total",
			Help:      "DNS lookups that shared an in-flight upstream query via singleflight.",
		}),
		dnsFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arataga",
			Subsystem: "dns",
			Name:      "failures_total",
			Help:      "DNS lookups that failed against every configured nameserver.",
		}),
		dnsCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arataga",
			Subsystem: "dns",
			Name:      "cache_size",
			Help:      "Entries currently held in the DNS cache.",
		}),
		bandwidthActiveUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arataga",
			Subsystem: "bandwidth",
			Name:      "active_users",
			Help:      "Users with at least one live bandwidth reservation.",
		}),
	}

	c.registry.MustRegister(
		c.connectionsAccepted,
		c.connectionsActive,
		c.connectionsClosed,
		c.bytesTransferred,
		c.dnsCacheHits,
		c.dnsCacheMisses,
		c.dnsCoalesced,
		c.dnsFailures,
		c.dnsCacheSize,
		c.bandwidthActiveUsers,
	)
	return c
}

// Registry exposes the underlying prometheus.Registry for internal/admin
// to mount behind promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ConnectionAccepted records a newly accepted connection.
func (c *Collector) ConnectionAccepted() {
	c.connectionsAccepted.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed records a connection leaving an ACL's table for the
// given removal reason.
func (c *Collector) ConnectionClosed(reason aclconn.Removal) {
	c.connectionsActive.Dec()
	c.connectionsClosed.WithLabelValues(string(reason)).Inc()
}

// BytesToUser and BytesToTarget record relayed payload volume, split by
// direction per §4.9.
func (c *Collector) BytesToUser(n int64)   { c.bytesTransferred.WithLabelValues("to_user").Add(float64(n)) }
func (c *Collector) BytesToTarget(n int64) { c.bytesTransferred.WithLabelValues("to_target").Add(float64(n)) }

// ObserveDNS folds a dnsresolver.Stats snapshot into the collector's
// counters/gauges. Called periodically (e.g. alongside the 1 Hz bandwidth
// tick) since dnsresolver keeps its own atomics rather than exporting
// Prometheus types directly.
func (c *Collector) ObserveDNS(s dnsresolver.Stats) {
	c.dnsCacheHits.Add(float64(s.Hits))
	c.dnsCacheMisses.Add(float64(s.Misses))
	c.dnsCoalesced.Add(float64(s.Coalesced))
	c.dnsFailures.Add(float64(s.Failures))
	c.dnsCacheSize.Set(float64(s.CacheSize))
}

// ObserveBandwidth records the number of users currently holding a
// bandwidth reservation.
func (c *Collector) ObserveBandwidth(activeUsers int) {
	c.bandwidthActiveUsers.Set(float64(activeUsers))
}
