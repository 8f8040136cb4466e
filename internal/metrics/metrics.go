//nolint:gochecknoglobals // prometheus metrics registered at init
package metrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	DNSQueriesTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "freeroute_dns_queries_total",
			Help: "DNS queries handled by the proxy, by outcome (ok|refused|nxdomain|rcode|servfail|dropped).",
		},
		[]string{"outcome"},
	)

	RouteOpsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "freeroute_route_operations_total",
			Help: "ip route subprocess invocations, by operation (add|del|flush|show).",
		},
		[]string{"op"},
	)

	ProbeVerdictsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "freeroute_probe_verdicts_total",
			Help: "Dynamic list probe verdicts (blocked|reachable).",
		},
		[]string{"verdict"},
	)

	ListRefreshTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "freeroute_list_refresh_total",
			Help: "External domain list refresh attempts, by list and outcome (ok|error).",
		},
		[]string{"list", "outcome"},
	)

	TrackedIPsPerIface = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "freeroute_tracked_ips_per_interface",
			Help: "IPs currently routed via each tunnel interface.",
		},
		[]string{"iface"},
	)

	EventSubscribers = promauto.NewGauge(
		prom.GaugeOpts{
			Name: "freeroute_event_subscribers",
			Help: "Live event-log subscribers.",
		},
	)
)

// counterValue extracts the current value of one labeled counter.
func counterValue(vec *prom.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}

	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}

	return m.Counter.GetValue()
}

// Stats is the snapshot served by the stats endpoint.
type Stats struct {
	QueriesOK      float64 `json:"queries_ok"`
	QueriesRefused float64 `json:"queries_refused"`
	QueriesFailed  float64 `json:"queries_failed"`
	RouteAdds      float64 `json:"route_adds"`
	RouteDels      float64 `json:"route_dels"`
	ProbesBlocked  float64 `json:"probes_blocked"`
}

// Snapshot reads the counters backing the stats endpoint.
func Snapshot() Stats {
	return Stats{
		QueriesOK:      counterValue(DNSQueriesTotal, "ok"),
		QueriesRefused: counterValue(DNSQueriesTotal, "refused"),
		QueriesFailed:  counterValue(DNSQueriesTotal, "servfail"),
		RouteAdds:      counterValue(RouteOpsTotal, "add"),
		RouteDels:      counterValue(RouteOpsTotal, "del"),
		ProbesBlocked:  counterValue(ProbeVerdictsTotal, "blocked"),
	}
}
