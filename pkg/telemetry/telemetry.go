package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsStarted counts chat streams accepted by the coordinator.
	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_streams_started_total",
		Help: "Number of chat completion streams started.",
	})

	// StreamsFinished counts finalized streams by outcome (ok, error, reaped).
	StreamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_streams_finished_total",
		Help: "Number of chat completion streams finalized, by outcome.",
	}, []string{"outcome"})

	// ActiveStreams tracks streams currently relaying deltas.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_active_streams",
		Help: "Number of chat completion streams currently in flight.",
	})

	// CheckpointFlushes counts persisted partial-content writes.
	CheckpointFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_checkpoint_flushes_total",
		Help: "Number of throttled checkpoint writes to the store.",
	})

	// CheckpointFailures counts swallowed checkpoint write errors.
	CheckpointFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_checkpoint_failures_total",
		Help: "Number of checkpoint writes that failed and were superseded.",
	})

	// ProviderDeltas counts text deltas relayed from providers.
	ProviderDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_provider_deltas_total",
		Help: "Number of provider text deltas relayed to callers.",
	})
)
