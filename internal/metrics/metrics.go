// Package metrics declares the Prometheus collectors of the archive. They
// register with the default registry served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dicom_archive"

var (
	// CommandsExecuted counts commands by processor and outcome
	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_executed_total",
		Help:      "Commands executed by command processors.",
	}, []string{"processor", "outcome"})

	// Rollbacks counts processor runs that were rolled back
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Processor runs rolled back after a command failure.",
	}, []string{"processor", "restored"})

	// StudyEdits counts study edits by outcome
	StudyEdits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "study_edits_total",
		Help:      "Whole-study edits.",
	}, []string{"outcome"})

	// Imports counts imported instances by outcome
	Imports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "imports_total",
		Help:      "Instances offered for import.",
	}, []string{"outcome"})

	// ReindexActions counts reindex decisions per folder or row
	ReindexActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reindex_actions_total",
		Help:      "Reindex actions taken per study.",
	}, []string{"action"})

	// DriftWarnings counts manifest and filesystem disagreements
	DriftWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drift_warnings_total",
		Help:      "Manifest entries without files and instance count mismatches.",
	}, []string{"kind"})

	// WorkItems counts work item transitions
	WorkItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_items_total",
		Help:      "Work item status transitions.",
	}, []string{"type", "status"})
)
