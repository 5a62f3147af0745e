package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const gatewayIDLabel = "gateway_id"

// metricVecs are the process-wide vectors; per-connector metrics curry
// them with the gateway id label, in the style of the teacher's
// service-mirror metrics.
type metricVecs struct {
	syncBatches     *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	pendingRequests *prometheus.GaugeVec
	mirroredAssets  *prometheus.GaugeVec
	status          *prometheus.GaugeVec
}

var vecs = metricVecs{
	syncBatches: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_sync_batches_total",
		Help: "Number of inventory sync batches fetched from a gateway.",
	}, []string{gatewayIDLabel}),
	reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_reconnects_total",
		Help: "Number of times a gateway connector re-entered CONNECTING after being connected.",
	}, []string{gatewayIDLabel}),
	pendingRequests: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_pending_requests",
		Help: "Number of in-flight request/response pairs for a gateway connector.",
	}, []string{gatewayIDLabel}),
	mirroredAssets: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_mirrored_assets",
		Help: "Number of assets currently mirrored under a gateway.",
	}, []string{gatewayIDLabel}),
	status: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_connector_status",
		Help: "Encoded connector status (see asset.GatewayStatus ordering) for a gateway.",
	}, []string{gatewayIDLabel}),
}

// connectorMetrics scopes the process-wide vectors to one gateway id.
type connectorMetrics struct {
	gatewayID string
}

func newConnectorMetrics(gatewayID string) *connectorMetrics {
	return &connectorMetrics{gatewayID: gatewayID}
}

func (m *connectorMetrics) incBatch() {
	vecs.syncBatches.WithLabelValues(m.gatewayID).Inc()
}

func (m *connectorMetrics) incReconnect() {
	vecs.reconnects.WithLabelValues(m.gatewayID).Inc()
}

func (m *connectorMetrics) setPending(n int) {
	vecs.pendingRequests.WithLabelValues(m.gatewayID).Set(float64(n))
}

func (m *connectorMetrics) setMirrored(n int) {
	vecs.mirroredAssets.WithLabelValues(m.gatewayID).Set(float64(n))
}

func (m *connectorMetrics) setStatus(ordinal int) {
	vecs.status.WithLabelValues(m.gatewayID).Set(float64(ordinal))
}

// unregister drops this gateway's label combinations, called on
// gateway deletion (spec §4.4).
func (m *connectorMetrics) unregister() {
	labels := prometheus.Labels{gatewayIDLabel: m.gatewayID}
	vecs.syncBatches.Delete(labels)
	vecs.reconnects.Delete(labels)
	vecs.pendingRequests.Delete(labels)
	vecs.mirroredAssets.Delete(labels)
	vecs.status.Delete(labels)
}

func statusOrdinal(s string) int {
	switch s {
	case "DISCONNECTED":
		return 0
	case "CONNECTING":
		return 1
	case "SYNCING":
		return 2
	case "CONNECTED":
		return 3
	case "DISABLED":
		return 4
	case "ERROR":
		return 5
	default:
		return -1
	}
}
