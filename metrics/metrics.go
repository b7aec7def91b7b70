package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-dispatch/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "dispatch"
)

var (
	Debug                bool = false
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "items_total",
		Help:      "Count of finished work items",
	}, []string{
		"kind",
		"result",
	})

	itemDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "item_duration_seconds",
		Help:      "Duration of finished work items",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{
		"kind",
	})

	cancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "cancellations_total",
		Help:      "Count of cancelled work items by reason",
	}, []string{
		"reason",
	})

	runningItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "running_items",
		Help:      "Number of work items currently holding an execution slot",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of test runs",
	}, []string{
		"run_id",
		"result",
	})

	runTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests_total",
		Help:      "Number of tests per run by result",
	}, []string{
		"run_id",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of test runs",
	}, []string{
		"run_id",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// ItemStarted tracks a work item taking an execution slot
func ItemStarted() {
	runningItems.Inc()
}

// ItemStopped tracks a work item giving its execution slot back
func ItemStopped() {
	runningItems.Dec()
}

func RecordItem(kind types.NodeKind, result types.TestStatus, cancel types.CancelReason, duration time.Duration) {
	if !result.IsValid() {
		log.Error("RecordItem - invalid result", "result", result)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "items_total",
			"kind", kind,
			"result", result)
	}
	itemsTotal.WithLabelValues(string(kind), string(result)).Inc()
	itemDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
	if cancel != types.CancelNone {
		cancellationsTotal.WithLabelValues(string(cancel)).Inc()
	}
}

func RecordRun(runID string, result types.TestStatus, counts types.Counts, duration time.Duration) {
	runResults.WithLabelValues(runID, string(result)).Set(1)
	for status, n := range map[types.TestStatus]int{
		types.TestStatusPass:         counts.Passed,
		types.TestStatusFail:         counts.Failed,
		types.TestStatusError:        counts.Errored,
		types.TestStatusSkip:         counts.Skipped,
		types.TestStatusInconclusive: counts.Inconclusive,
		types.TestStatusWarning:      counts.Warnings,
		types.TestStatusCancelled:    counts.Cancelled,
	} {
		runTestsTotal.WithLabelValues(runID, string(status)).Add(float64(n))
	}
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
