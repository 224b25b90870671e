package metrics

import "time"

// Health status values, from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Check is a single named health check result.
type Check struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the overall health verdict.
type Report struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Checks    []Check `json:"checks"`
}

// Checker derives a health verdict from collected metrics.
type Checker struct {
	metrics *Collector
}

// NewChecker creates a Checker reading from the given collector.
func NewChecker(m *Collector) *Checker {
	return &Checker{metrics: m}
}

const slowFetchThreshold = 30.0 // seconds, mean feed_fetch

// Check runs all health checks and folds them into an overall status:
// any unhealthy check makes the report unhealthy, otherwise any degraded
// check makes it degraded.
func (c *Checker) Check() Report {
	checks := []Check{c.checkErrorRate()}
	if fetch, ok := c.checkFetchPerformance(); ok {
		checks = append(checks, fetch)
	}

	overall := StatusHealthy
	for _, ch := range checks {
		switch ch.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return Report{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

func (c *Checker) checkErrorRate() Check {
	errors := c.metrics.Counter("http_errors")
	successes := c.metrics.Counter("http_success")
	total := errors + successes

	if total == 0 {
		return Check{Name: "http_error_rate", Status: StatusHealthy, Message: "no requests yet"}
	}

	rate := float64(errors) / float64(total)
	details := map[string]any{"error_rate": rate, "total_requests": total}
	switch {
	case rate > 0.5:
		return Check{Name: "http_error_rate", Status: StatusUnhealthy,
			Message: "high error rate", Details: details}
	case rate > 0.2:
		return Check{Name: "http_error_rate", Status: StatusDegraded,
			Message: "elevated error rate", Details: details}
	default:
		return Check{Name: "http_error_rate", Status: StatusHealthy,
			Message: "error rate acceptable", Details: details}
	}
}

func (c *Checker) checkFetchPerformance() (Check, bool) {
	st, ok := c.metrics.TimerStats("feed_fetch")
	if !ok {
		return Check{}, false
	}
	details := map[string]any{
		"count": st.Count, "mean": st.Mean, "min": st.Min, "max": st.Max, "sum": st.Sum,
	}
	if st.Mean > slowFetchThreshold {
		return Check{Name: "feed_fetch_performance", Status: StatusDegraded,
			Message: "slow feed fetching", Details: details}, true
	}
	return Check{Name: "feed_fetch_performance", Status: StatusHealthy,
		Message: "feed fetching performance acceptable", Details: details}, true
}
