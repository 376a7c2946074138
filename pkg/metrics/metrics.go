package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global training metrics.
// We use 'promauto' which registers them with the default registry on first import.

var (
	// Training steps completed successfully.
	TrainingSteps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cernet_training_steps_total",
			Help: "Total number of completed training steps",
		},
	)

	// Latest value of each loss component (composite, network, expression, regularization).
	Loss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cernet_loss",
			Help: "Latest loss value by component",
		},
		[]string{"component"},
	)

	// Wall time of a full training step, from batch hand-off to edge weight refresh.
	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cernet_step_duration_seconds",
			Help:    "Duration of a training step in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Active regulatory edges after the latest mutation.
	ActiveEdges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cernet_active_edges",
			Help: "Number of active ceRNA edges",
		},
	)

	// Edges deactivated by pruning, and edges kept only to honour the degree floor.
	PrunedEdges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cernet_pruned_edges_total",
			Help: "Edges handled by pruning, by outcome",
		},
		[]string{"outcome"},
	)

	// Threshold used by the latest pruning event.
	PruneThreshold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cernet_prune_threshold",
			Help: "Edge score threshold of the latest pruning event",
		},
	)

	// Time spent building the cell-similarity graph.
	CellGraphBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cernet_cell_graph_build_seconds",
			Help:    "Duration of the cell kNN graph construction in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)
)
