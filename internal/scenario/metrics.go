package scenario

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricScenarios = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selfchanger_e2e",
		Name:      "scenarios_total",
		Help:      "Scenarios completed, by driver and status.",
	}, []string{"driver", "status"})
	metricScenarioDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "selfchanger_e2e",
		Name:      "scenario_duration_seconds",
		Help:      "Wall time of each scenario from session start to close.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"scenario"})
	metricStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selfchanger_e2e",
		Name:      "step_failures_total",
		Help:      "Failed steps, by error kind.",
	}, []string{"kind"})
	metricSessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "selfchanger_e2e",
		Name:      "sessions_open",
		Help:      "Browser sessions currently open.",
	})
)

func recordScenario(driver string, res Result) {
	metricScenarios.WithLabelValues(driver, string(res.Status)).Inc()
	metricScenarioDuration.WithLabelValues(res.Name).Observe(res.Duration.Seconds())
	if res.ErrorKind != "" {
		metricStepFailures.WithLabelValues(res.ErrorKind).Inc()
	}
}

func sessionOpened() { metricSessionsOpen.Inc() }
func sessionClosed() { metricSessionsOpen.Dec() }
