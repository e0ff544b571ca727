package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_nginx_reloads_total",
		Help: "Total number of nginx reload cycles by result",
	}, []string{"result"})
	reloadQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_nginx_reload_queue_depth",
		Help: "Number of reload requests waiting or running",
	})
	wafEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_waf_events_total",
		Help: "Total number of WAF events ingested by severity",
	}, []string{"severity"})
	wafEventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_waf_events_dropped_total",
		Help: "Total number of WAF audit records dropped by reason",
	}, []string{"reason"})
	banOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_ban_operations_total",
		Help: "Total number of ban/unban operations sent to integrations by result",
	}, []string{"action", "result"})
	activeBans = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_active_bans",
		Help: "Number of currently active IP bans",
	})
	certRenewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_cert_renewals_total",
		Help: "Total number of certificate renewal attempts by result",
	}, []string{"result"})
	broadcastDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_broadcast_dropped_total",
		Help: "Total number of events dropped on slow event stream subscribers",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		reloadsTotal,
		reloadQueueDepth,
		wafEventsTotal,
		wafEventsDroppedTotal,
		banOpsTotal,
		activeBans,
		certRenewalsTotal,
		broadcastDroppedTotal,
	)
}

// IncReload counts a finished reload cycle; result is "succeeded" or "failed".
func IncReload(result string) { reloadsTotal.WithLabelValues(result).Inc() }

// SetReloadQueueDepth records the current reload backlog.
func SetReloadQueueDepth(n int) { reloadQueueDepth.Set(float64(n)) }

// IncWAFEvent counts an ingested WAF event.
func IncWAFEvent(severity string) { wafEventsTotal.WithLabelValues(severity).Inc() }

// IncWAFEventDropped counts an audit record that did not become an event
// (reason: "duplicate", "parse", "store").
func IncWAFEventDropped(reason string) { wafEventsDroppedTotal.WithLabelValues(reason).Inc() }

// IncBanOp counts a provider ban or unban attempt.
func IncBanOp(action, result string) { banOpsTotal.WithLabelValues(action, result).Inc() }

// SetActiveBans records the number of currently active bans.
func SetActiveBans(n int) { activeBans.Set(float64(n)) }

// IncCertRenewal counts a certificate renewal attempt.
func IncCertRenewal(result string) { certRenewalsTotal.WithLabelValues(result).Inc() }

// IncBroadcastDropped counts an event dropped on a full subscriber channel.
func IncBroadcastDropped() { broadcastDroppedTotal.Inc() }
