// Package metrics exposes Prometheus counters for the queue, the engine, the
// scheduler and the webhook receiver.
package metrics

import (
	"context"
	"net/http"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

// Metrics implements workflow.Metrics, scheduler.Metrics and
// web.DeliveryRecorder, and observes queue notifications.
type Metrics struct {
	registry *prometheus.Registry

	jobs             *prometheus.CounterVec
	runsStarted      *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	schedulesFired   *prometheus.CounterVec
	schedulesSkipped *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Job lifecycle transitions per queue.",
		}, []string{"queue", "outcome"}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs created.",
		}, []string{"workflow_id"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs that reached a terminal status.",
		}, []string{"workflow_id", "status"}),
		schedulesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_fired_total",
			Help:      "Scheduled triggers fired.",
		}, []string{"workflow_id"}),
		schedulesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_skipped_total",
			Help:      "Due scheduled triggers that were not fired.",
		}, []string{"reason"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Provider webhook deliveries per outcome.",
		}, []string{"provider", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobs,
		m.runsStarted,
		m.runsFinished,
		m.schedulesFired,
		m.schedulesSkipped,
		m.webhooks,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveQueue is a queue.Observer.
func (m *Metrics) ObserveQueue(_ context.Context, n queue.Notification) {
	if n.Job == nil {
		return
	}

	outcome := string(n.Kind)
	if n.Kind == queue.JobFailed {
		outcome = "dead"
	}

	m.jobs.WithLabelValues(n.Job.Queue, outcome).Inc()
}

func (m *Metrics) RunStarted(workflowID string) {
	m.runsStarted.WithLabelValues(workflowID).Inc()
}

func (m *Metrics) RunFinished(workflowID string, status models.RunStatus) {
	m.runsFinished.WithLabelValues(workflowID, string(status)).Inc()
}

func (m *Metrics) ScheduleFired(workflowID string) {
	m.schedulesFired.WithLabelValues(workflowID).Inc()
}

func (m *Metrics) ScheduleSkipped(reason string) {
	m.schedulesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) WebhookReceived(provider, outcome string) {
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}
