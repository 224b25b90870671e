package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/worldpam/worldpam/internal/eval"
	"github.com/worldpam/worldpam/internal/metrics"
	"github.com/worldpam/worldpam/internal/storage"
)

// scenarioSummary is the /scenarios list entry.
type scenarioSummary struct {
	Name    string   `json:"name"`
	Prior   float64  `json:"prior"`
	Signals []string `json:"signals"`
}

// evaluateResponse is the /evaluate/{scenario} payload.
type evaluateResponse struct {
	Scenario    string            `json:"scenario"`
	Probability float64           `json:"probability"`
	Country     string            `json:"country,omitempty"`
	Signals     []signalWeight    `json:"signals"`
	MonteCarlo  *monteCarloDetail `json:"monte_carlo,omitempty"`
}

type signalWeight struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

type monteCarloDetail struct {
	Mean               float64        `json:"mean"`
	ConfidenceInterval intervalDetail `json:"confidence_interval"`
}

type intervalDetail struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// historyResponse is the /history/{scenario} payload.
type historyResponse struct {
	Scenario string                   `json:"scenario"`
	Country  string                   `json:"country,omitempty"`
	Days     int                      `json:"days"`
	History  []storage.HypothesisEval `json:"history"`
}

// signalHistoryResponse is the /signals/{name}/history payload.
type signalHistoryResponse struct {
	Signal  string                `json:"signal"`
	Country string                `json:"country,omitempty"`
	Days    int                   `json:"days"`
	History []storage.SignalValue `json:"history"`
}

func newEvaluateResponse(ev eval.Evaluation) evaluateResponse {
	out := evaluateResponse{
		Scenario:    ev.Hypothesis,
		Probability: ev.Probability,
		Country:     ev.Country,
		Signals:     make([]signalWeight, 0, len(ev.Contributions)),
	}
	for _, c := range ev.Contributions {
		out.Signals = append(out.Signals, signalWeight{Name: c.Signal, Value: c.Value, Weight: c.Weight})
	}
	if mc := ev.MonteCarlo; mc != nil {
		out.MonteCarlo = &monteCarloDetail{
			Mean:               mc.Mean,
			ConfidenceInterval: intervalDetail{Low: mc.CILow, High: mc.CIHigh},
		}
	}
	return out
}

// HandleScenarios lists the configured hypotheses.
func (s *Server) HandleScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]scenarioSummary, 0, len(s.graph.Hypotheses))
	for _, h := range s.graph.Hypotheses {
		out = append(out, scenarioSummary{Name: h.Name, Prior: h.Prior, Signals: h.Signals})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleEvaluate evaluates one scenario. Query parameters: country narrows
// keyword matching, simulate (0..10000) adds a Monte Carlo band.
func (s *Server) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	scenario := r.PathValue("scenario")
	if _, ok := s.graph.Hypothesis(scenario); !ok {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown scenario: "+scenario)
		return
	}

	trials := 0
	if raw := r.URL.Query().Get("simulate"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > eval.MaxTrials {
			writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput,
				"simulate must be an integer between 0 and 10000")
			return
		}
		trials = n
	}

	result, err := s.evaluator.Evaluate(r.Context(), scenario, r.URL.Query().Get("country"), trials)
	if err != nil {
		s.logger.Error("evaluation failed",
			slog.String("scenario", scenario), slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "evaluation failed")
		return
	}
	writeJSON(w, r, http.StatusOK, newEvaluateResponse(result))
}

// HandleHistory returns stored evaluations for a scenario.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	scenario := r.PathValue("scenario")
	if _, ok := s.graph.Hypothesis(scenario); !ok {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown scenario: "+scenario)
		return
	}
	days, ok := parseDays(w, r)
	if !ok {
		return
	}
	country := r.URL.Query().Get("country")
	history, err := s.store.GetHypothesisHistory(r.Context(), scenario, country, days)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "history query failed")
		return
	}
	writeJSON(w, r, http.StatusOK, historyResponse{
		Scenario: scenario,
		Country:  country,
		Days:     days,
		History:  history,
	})
}

// HandleSignals computes every signal live.
func (s *Server) HandleSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.signals.ComputeAll(r.Context(), r.URL.Query().Get("country")))
}

// HandleSignalHistory returns stored values for one signal.
func (s *Server) HandleSignalHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.graph.Signal(name); !ok {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown signal: "+name)
		return
	}
	days, ok := parseDays(w, r)
	if !ok {
		return
	}
	country := r.URL.Query().Get("country")
	history, err := s.store.GetSignalHistory(r.Context(), name, country, days)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "history query failed")
		return
	}
	writeJSON(w, r, http.StatusOK, signalHistoryResponse{
		Signal:  name,
		Country: country,
		Days:    days,
		History: history,
	})
}

// HandleHealth reports engine health. Unhealthy maps to 503 so load
// balancers can act on it; degraded still serves 200.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check()
	status := http.StatusOK
	if report.Status == metrics.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeBody(w, report)
}

// HandleAlerts returns recent alerts, newest first.
func (s *Server) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput,
				"limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}
	writeJSON(w, r, http.StatusOK, s.alerts.Recent(limit))
}

// HandleStatus reports operational state: per-source fetch status, metrics
// summary, and connected stream clients.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.SourceStatuses(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "status query failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"sources":        statuses,
		"metrics":        s.metrics.Summary(),
		"stream_clients": s.stream.ClientCount(),
	})
}

func parseDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			writeError(w, r, http.StatusBadRequest, ErrCodeInvalidInput,
				"days must be an integer between 1 and 365")
			return 0, false
		}
		days = n
	}
	return days, true
}
