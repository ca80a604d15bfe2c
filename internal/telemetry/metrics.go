package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики worker runtime и relay.
var (
	// EnvelopesPublished — успешно отправленные envelope по каналу и транспорту.
	EnvelopesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrun_envelopes_published_total",
		Help: "Envelopes handed to a transport, by channel and transport.",
	}, []string{"channel", "transport"})

	// EnvelopesFailed — envelope, которые транспорт не принял.
	EnvelopesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrun_envelopes_failed_total",
		Help: "Envelopes rejected by a transport, by channel and transport.",
	}, []string{"channel", "transport"})

	// MirrorFailures — изменения data map, не доставленные в scheduler.
	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobrun_datamap_mirror_failures_total",
		Help: "Local data map mutations whose mirror publish failed.",
	})

	// ConnectAttempts — попытки подключения к control channel по результату.
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrun_connect_attempts_total",
		Help: "Control channel connect attempts, by transport and result.",
	}, []string{"transport", "result"})

	// FailoverActivations — переходы на failover транспорт.
	FailoverActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobrun_failover_activations_total",
		Help: "Runs that switched to the failover transport.",
	})

	// AggregateExceptions — добавленные aggregate exceptions.
	AggregateExceptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobrun_aggregate_exceptions_total",
		Help: "Non-fatal exceptions recorded by jobs.",
	})

	// BackMapFailures — поля, которые не удалось записать обратно.
	BackMapFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobrun_backmap_failures_total",
		Help: "Job fields that failed to map back into job or trigger data.",
	})

	// RunOutcomes — завершённые runs по результату.
	RunOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrun_runs_total",
		Help: "Finished runs, by outcome.",
	}, []string{"outcome"})

	// RunDuration — длительность run.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobrun_run_duration_seconds",
		Help:    "Wall time of a run from launch to termination.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
	})

	// RelayForwarded — envelope, переданные relay'ем в брокер.
	RelayForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobrun_relay_forwarded_total",
		Help: "Failover envelopes forwarded by the relay, by result.",
	}, []string{"result"})
)
