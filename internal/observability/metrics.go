package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the relay.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections on the relay.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events handled by the relay.",
		},
		[]string{"event"},
	)
	voiceMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_voice_channel_members",
			Help: "Members currently joined to each voice channel.",
		},
		[]string{"room"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)

	signalingFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_signaling_frames_total",
			Help: "Inbound frames seen by the signaling client, by kind or malformed.",
		},
		[]string{"kind"},
	)
	signalingReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "client_signaling_reconnects_total",
			Help: "Reconnect attempts made by the signaling client.",
		},
	)
	signalingConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "client_signaling_connected",
			Help: "1 while the signaling connection is open.",
		},
	)
	pendingMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_pending_messages_total",
			Help: "Optimistic sends by outcome.",
		},
		[]string{"outcome"},
	)
	peerSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "client_voice_peer_sessions",
			Help: "Open peer media sessions.",
		},
	)
	negotiationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "client_voice_negotiation_failures_total",
			Help: "Peer sessions torn down after a failed negotiation step.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		voiceMembers,
		amqpPublishErrorsTotal,
		signalingFramesTotal,
		signalingReconnectsTotal,
		signalingConnected,
		pendingMessagesTotal,
		peerSessions,
		negotiationFailuresTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func SetVoiceMembers(room string, n int) {
	voiceMembers.WithLabelValues(room).Set(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncSignalingFrame(kind string) {
	signalingFramesTotal.WithLabelValues(kind).Inc()
}

func IncSignalingReconnect() {
	signalingReconnectsTotal.Inc()
}

func SetSignalingConnected(connected bool) {
	if connected {
		signalingConnected.Set(1)
		return
	}
	signalingConnected.Set(0)
}

func IncPendingOutcome(outcome string) {
	pendingMessagesTotal.WithLabelValues(outcome).Inc()
}

func AddPeerSessions(delta int) {
	peerSessions.Add(float64(delta))
}

func IncNegotiationFailure() {
	negotiationFailuresTotal.Inc()
}
