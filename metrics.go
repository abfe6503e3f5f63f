package verso

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/verso/cache"
	"github.com/drpcorg/verso/cmdq"
	"github.com/drpcorg/verso/network"
)

var Registered = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "verso",
	Subsystem: "node",
	Name:      "registered",
}, []string{"node"})

var MapRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "verso",
	Subsystem: "node",
	Name:      "map_requests",
}, []string{"node", "result"})

var SnapshotsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "verso",
	Subsystem: "node",
	Name:      "snapshots_sent",
}, []string{"node"})

var DeltasSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "verso",
	Subsystem: "node",
	Name:      "deltas_sent",
}, []string{"node"})

// Collectors gathers the metrics of every package. The store collector
// is per node, see Node.Collectors.
func Collectors() []prometheus.Collector {
	cs := []prometheus.Collector{Registered, MapRequests, SnapshotsSent, DeltasSent}
	cs = append(cs, cache.Collectors()...)
	cs = append(cs, cmdq.Collectors()...)
	cs = append(cs, network.Collectors()...)
	return cs
}

func (n *Node) Collectors() []prometheus.Collector {
	return []prometheus.Collector{n.store.Collector()}
}
