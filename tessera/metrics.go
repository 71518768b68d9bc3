package tessera

import (
	"context"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricOutcomeSuccess = "success"
	metricOutcomeFailure = "failure"

	// metricRefreshInterval is how often the open-ticket and queue-size
	// gauges are recomputed.
	metricRefreshInterval = 30 * time.Second
)

var (
	// metricTicketOperations counts ticket lifecycle operations by action
	// and outcome. Denials and refusals count as failures.
	metricTicketOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_ticket_operations_total",
			Help: "Ticket lifecycle operations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// metricOpenTickets tracks the number of tickets currently in the
	// OPEN state, across all guilds.
	metricOpenTickets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_open_tickets",
			Help: "Number of tickets currently open",
		},
	)

	// metricChatQueueSize tracks the number of queued assistant requests.
	metricChatQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_chat_queue_size",
			Help: "Number of assistant requests waiting in the queue",
		},
	)

	// metricLLMRequestDuration is the duration of individual OpenAI API
	// attempts (retries observed separately).
	metricLLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tessera_llm_request_duration_seconds",
			Help:    "Duration of OpenAI API requests",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind", "outcome"},
	)

	// metricHTTPRequests counts admin API requests by method, route and
	// status code.
	metricHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_http_requests_total",
			Help: "Admin API requests by method, route and status",
		},
		[]string{"method", "path", "status"},
	)

	// metricHTTPRequestDuration is the duration of admin API requests.
	metricHTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tessera_http_request_duration_seconds",
			Help: "Duration of admin API requests",
		},
		[]string{"method", "path"},
	)
)

func observeLLMRequest(kind string, d time.Duration, err error) {
	outcome := metricOutcomeSuccess
	if err != nil {
		outcome = metricOutcomeFailure
	}
	metricLLMRequestDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func observeTicketOperation(action TicketAction, success bool) {
	outcome := metricOutcomeSuccess
	if !success {
		outcome = metricOutcomeFailure
	}
	metricTicketOperations.WithLabelValues(action.String(), outcome).Inc()
}

// watchTicketMetrics periodically recomputes the open-ticket and queue
// size gauges until the context is canceled.
func (t *Tessera) watchTicketMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricRefreshInterval)
	defer ticker.Stop()

	refresh := func() {
		if t.chatQueue != nil {
			metricChatQueueSize.Set(float64(t.chatQueue.Len()))
		}
		if t.store == nil {
			return
		}
		countCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		count, err := t.store.CountOpenTickets(countCtx)
		if err != nil {
			t.logger.WarnContext(ctx, "error counting open tickets", tint.Err(err))
			return
		}
		metricOpenTickets.Set(float64(count))
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
