// Package metrics exposes live MLST/PVN/RSU state as Prometheus metrics,
// grounded on the teacher's pkg/exporter TCPInfoCollector: a
// mutex-guarded registry of per-instance sources, wired through a custom
// prometheus.Collector rather than fixed global gauges, so nodes can be
// added and removed as they come and go.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkrupke/mlst-mesh/pkg/mlst"
	"github.com/dkrupke/mlst-mesh/pkg/pvn"
)

// Source bundles the per-node views the collector reads on each scrape.
type Source struct {
	MLST *mlst.Node
	PVN  *pvn.PVN
}

// Collector implements prometheus.Collector over a dynamic set of nodes,
// keyed by node id, the way the teacher's TCPInfoCollector keys by
// net.Conn.
type Collector struct {
	mu          sync.Mutex
	nodes       map[uint16]Source
	constLabels prometheus.Labels
	errorCB     func(error)

	neighborCount *prometheus.Desc
	childrenCount *prometheus.Desc
	distance      *prometheus.Desc
	undefined     *prometheus.Desc
	leaf          *prometheus.Desc
}

// NewCollector builds a Collector. errorCB, if non-nil, receives any
// per-scrape encoding error instead of it being silently dropped.
func NewCollector(constLabels prometheus.Labels, errorCB func(error)) *Collector {
	labelNames := []string{"node_id"}
	return &Collector{
		nodes:       make(map[uint16]Source),
		constLabels: constLabels,
		errorCB:     errorCB,
		neighborCount: prometheus.NewDesc(
			"mlst_pvn_neighbor_count", "Current number of live PVN neighbor entries.",
			labelNames, constLabels),
		childrenCount: prometheus.NewDesc(
			"mlst_children_count", "Number of neighbors currently counted as children.",
			labelNames, constLabels),
		distance: prometheus.NewDesc(
			"mlst_distance_to_root", "Published distance to root for energy tier.",
			append(append([]string{}, labelNames...), "tier"), constLabels),
		undefined: prometheus.NewDesc(
			"mlst_undefined", "1 if the node has not yet elected a parent.",
			labelNames, constLabels),
		leaf: prometheus.NewDesc(
			"mlst_is_leaf", "1 if the node is currently classified as a leaf.",
			labelNames, constLabels),
	}
}

// Add registers src under id, replacing any previous registration.
func (c *Collector) Add(id uint16, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[id] = src
}

// Remove deregisters id.
func (c *Collector) Remove(id uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, id)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.neighborCount
	ch <- c.childrenCount
	ch <- c.distance
	ch <- c.undefined
	ch <- c.leaf
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	snapshot := make(map[uint16]Source, len(c.nodes))
	for id, src := range c.nodes {
		snapshot[id] = src
	}
	c.mu.Unlock()

	for id, src := range snapshot {
		label := idLabel(id)
		state := src.MLST.State()

		c.emit(ch, c.neighborCount, prometheus.GaugeValue, float64(src.PVN.Size()), label)
		c.emit(ch, c.childrenCount, prometheus.GaugeValue, float64(state.ChildrenCount), label)
		c.emit(ch, c.undefined, prometheus.GaugeValue, boolToFloat(state.Undefined), label)
		c.emit(ch, c.leaf, prometheus.GaugeValue, boolToFloat(state.Leaf), label)

		tiers := []string{"high", "middle", "low"}
		for t, name := range tiers {
			if state.Dist[t] == 0xFF {
				continue
			}
			c.emit(ch, c.distance, prometheus.GaugeValue, float64(state.Dist[t]), label, name)
		}
	}
}

func (c *Collector) emit(ch chan<- prometheus.Metric, desc *prometheus.Desc, vt prometheus.ValueType, value float64, labels ...string) {
	m, err := prometheus.NewConstMetric(desc, vt, value, labels...)
	if err != nil {
		if c.errorCB != nil {
			c.errorCB(err)
		}
		return
	}
	ch <- m
}

func idLabel(id uint16) string {
	return uint16ToString(id)
}

func uint16ToString(id uint16) string {
	const hexDigits = "0123456789"
	if id == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = hexDigits[id%10]
		id /= 10
	}
	return string(buf[i:])
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
