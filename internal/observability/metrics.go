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
			Name: "chat_client_control_requests_total",
			Help: "Total number of HTTP requests processed by the local control server.",
		},
		[]string{"method", "route", "status"},
	)
	restRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_client_rest_request_duration_seconds",
			Help:    "Latency of REST calls to the messaging backend.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_client_connection_state",
			Help: "1 for the current connection state and transport, 0 otherwise.",
		},
		[]string{"state", "transport"},
	)
	connectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_connect_attempts_total",
			Help: "Connection-open attempts by transport and result.",
		},
		[]string{"transport", "result"},
	)
	reconnectsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_reconnects_scheduled_total",
			Help: "Total number of reconnects scheduled with backoff.",
		},
	)
	giveUpsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_reconnect_give_ups_total",
			Help: "Total number of times the reconnect cap was reached.",
		},
	)
	heartbeatTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_heartbeat_timeouts_total",
			Help: "Total number of heartbeat responses not received in time.",
		},
	)
	framesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_frames_received_total",
			Help: "Inbound frames by type.",
		},
		[]string{"type"},
	)
	framesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_frames_sent_total",
			Help: "Outbound frames by send status.",
		},
		[]string{"status"},
	)
	sendQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_client_send_queue_depth",
			Help: "Frames waiting in the outbound queue.",
		},
	)
	pushNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_push_notifications_total",
			Help: "Push notifications handled by the gateway by result.",
		},
		[]string{"result"},
	)
	trackingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_client_tracking_queue_depth",
			Help: "Tracking events waiting in the durable retry queue.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

var connectionStates = []string{"disconnected", "connecting", "connected"}

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		restRequestDuration,
		connectionState,
		connectAttemptsTotal,
		reconnectsScheduledTotal,
		giveUpsTotal,
		heartbeatTimeoutsTotal,
		framesReceivedTotal,
		framesSentTotal,
		sendQueueDepth,
		pushNotificationsTotal,
		trackingQueueDepth,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func ObserveREST(route string, status int, elapsed time.Duration) {
	restRequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// SetConnectionState marks state/transport as current and zeroes the others.
func SetConnectionState(state, transport string) {
	connectionState.Reset()
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		connectionState.WithLabelValues(s, transport).Set(value)
	}
}

func IncConnectAttempt(transport, result string) {
	connectAttemptsTotal.WithLabelValues(transport, result).Inc()
}

func IncReconnectScheduled() {
	reconnectsScheduledTotal.Inc()
}

func IncGiveUp() {
	giveUpsTotal.Inc()
}

func IncHeartbeatTimeout() {
	heartbeatTimeoutsTotal.Inc()
}

func IncFrameReceived(frameType string) {
	framesReceivedTotal.WithLabelValues(frameType).Inc()
}

func IncFrameSent(status string) {
	framesSentTotal.WithLabelValues(status).Inc()
}

func SetSendQueueDepth(n int) {
	sendQueueDepth.Set(float64(n))
}

func IncPushNotification(result string) {
	pushNotificationsTotal.WithLabelValues(result).Inc()
}

func SetTrackingQueueDepth(n int) {
	trackingQueueDepth.Set(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
