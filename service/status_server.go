package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethereum-optimism/infra/op-dispatch/metrics"
	"github.com/ethereum-optimism/infra/op-dispatch/runner"
	"github.com/ethereum-optimism/infra/op-dispatch/types"
)

// ReportSource exposes the most recent run report, nil before the first run
// completes
type ReportSource interface {
	LatestReport() *runner.Report
}

// RunSummary is the JSON view of a run report
type RunSummary struct {
	RunID      string           `json:"runId"`
	Status     types.TestStatus `json:"status"`
	Seed       int64            `json:"seed"`
	Iterations int              `json:"iterations"`
	StartTime  time.Time        `json:"startTime"`
	EndTime    time.Time        `json:"endTime"`
	Duration   string           `json:"duration"`
	Counts     types.Counts     `json:"counts"`
	Failed     []string         `json:"failed,omitempty"`
	Flaky      []string         `json:"flaky,omitempty"`
}

// ResultView is the JSON view of one node result
type ResultView struct {
	NodeID   string             `json:"nodeId"`
	Name     string             `json:"name"`
	Kind     types.NodeKind     `json:"kind"`
	Status   types.TestStatus   `json:"status"`
	Message  string             `json:"message,omitempty"`
	Cancel   types.CancelReason `json:"cancel,omitempty"`
	Duration string             `json:"duration"`
	Counts   types.Counts       `json:"counts"`
	Output   string             `json:"output,omitempty"`
}

// StatusServer serves prometheus metrics and the latest run report
type StatusServer struct {
	httpServer
	log      log.Logger
	source   ReportSource
	gatherer prometheus.Gatherer
}

func NewStatusServer(logger log.Logger, source ReportSource, gatherer prometheus.Gatherer) *StatusServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &StatusServer{log: logger, source: source, gatherer: gatherer}
}

func (s *StatusServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/runs/latest", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/runs/latest/results/{nodeID:.+}", s.handleResult).Methods(http.MethodGet)
	return r
}

func (s *StatusServer) Listen(addr string) error {
	return s.listen(addr, s.Handler())
}

func (s *StatusServer) handleLatest(w http.ResponseWriter, r *http.Request) {
	report := s.latest()
	if report == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no completed run"})
		return
	}
	s.writeJSON(w, http.StatusOK, Summarize(report))
}

func (s *StatusServer) handleResult(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeID"]
	report := s.latest()
	if report == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no completed run"})
		return
	}
	result := report.Result().Find(nodeID)
	if result == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no result for %q", nodeID)})
		return
	}
	s.writeJSON(w, http.StatusOK, ResultView{
		NodeID:   result.NodeID,
		Name:     result.FullName,
		Kind:     result.Kind,
		Status:   result.Status,
		Message:  result.Message,
		Cancel:   result.Cancel,
		Duration: result.Duration.String(),
		Counts:   result.Counts,
		Output:   result.Output,
	})
}

func (s *StatusServer) latest() *runner.Report {
	if s.source == nil {
		return nil
	}
	report := s.source.LatestReport()
	if report == nil || report.Result() == nil {
		return nil
	}
	return report
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		s.log.Error("Failed to marshal response", "err", err)
		metrics.RecordErrorDetails("status_marshal", err)
		status = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.log.Debug("Failed to write response", "err", err)
	}
}

// Summarize builds the JSON view of a report
func Summarize(report *runner.Report) RunSummary {
	last := report.Result()
	summary := RunSummary{
		RunID:      report.RunID,
		Status:     report.Status,
		Seed:       report.Seed,
		Iterations: len(report.Iterations),
		StartTime:  report.StartTime,
		EndTime:    report.EndTime,
		Duration:   report.Duration.String(),
	}
	if last == nil {
		return summary
	}
	summary.Counts = last.Counts
	for _, leaf := range last.FailedLeaves() {
		summary.Failed = append(summary.Failed, leaf.NodeID)
	}
	for _, s := range report.Flaky() {
		summary.Flaky = append(summary.Flaky, s.NodeID)
	}
	return summary
}
