// Package exporter exposes reliable-UDP endpoint statistics as Prometheus
// metrics. Endpoints are registered with a set of label values; one Collector
// can serve any number of endpoints.
package exporter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkwkekzz/hktnet/pkg/reliudp"
)

// StatsSource is anything that can produce a transport stats snapshot. Both
// reliudp.Server and reliudp.Client satisfy it.
type StatsSource interface {
	Stats() reliudp.StatsSnapshot
}

type info struct {
	description *prometheus.Desc
	supplier    func(s reliudp.StatsSnapshot, labelValues []string) prometheus.Metric
}

// Collector implements prometheus.Collector over a set of registered
// endpoints.
type Collector struct {
	mu      sync.Mutex
	sources map[StatsSource][]string
	infos   []info
}

// NewCollector creates a collector. The endpointLabels are known up front
// and their values are provided when an endpoint is added; constLabels is
// meant for labels whose values are constant for the whole process.
func NewCollector(prefix string, endpointLabels []string, constLabels prometheus.Labels) *Collector {
	c := &Collector{
		sources: make(map[StatsSource][]string),
	}
	c.addMetrics(prefix, endpointLabels, constLabels)
	return c
}

// Add registers an endpoint under the given label values.
func (c *Collector) Add(src StatsSource, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[src] = labelValues
}

// Remove unregisters an endpoint.
func (c *Collector) Remove(src StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, src)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for src, labelValues := range c.sources {
		s := src.Stats()
		for _, info := range c.infos {
			metrics <- info.supplier(s, labelValues)
		}
	}
}

func (c *Collector) addMetrics(prefix string, endpointLabels []string, constLabels prometheus.Labels) {
	add := func(name, help string, vt prometheus.ValueType, value func(reliudp.StatsSnapshot) float64) {
		desc := prometheus.NewDesc(prefix+name, help, endpointLabels, constLabels)
		c.infos = append(c.infos, info{
			description: desc,
			supplier: func(s reliudp.StatsSnapshot, labelValues []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, vt, value(s), labelValues...)
			},
		})
	}

	add("peers_connected", "Number of peers currently in the connection table.",
		prometheus.GaugeValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.PeersConnected) })
	add("packets_sent_total", "Datagrams written to the socket, retransmissions included.",
		prometheus.CounterValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.PacketsSent) })
	add("packets_received_total", "Datagrams handed over by the receiver goroutine.",
		prometheus.CounterValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.PacketsReceived) })
	add("packets_retransmitted_total", "Verbatim resends of unacknowledged Data packets.",
		prometheus.CounterValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.PacketsRetransmitted) })
	add("packets_dropped_total", "Datagrams discarded without delivery.",
		prometheus.CounterValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.PacketsDropped) })
	add("payloads_delivered_total", "Data payloads handed to the application.",
		prometheus.CounterValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.PayloadsDelivered) })
	add("duplicates_suppressed_total", "Data packets recognized as replays and not redelivered.",
		prometheus.CounterValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.DuplicatesSuppressed) })
	add("peers_timed_out_total", "Peers dropped by the idle scan.",
		prometheus.CounterValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.PeersTimedOut) })
	add("peers_retry_exhausted_total", "Peers dropped after running out of retransmission attempts.",
		prometheus.CounterValue, func(s reliudp.StatsSnapshot) float64 { return float64(s.PeersRetryExhausted) })
}
