package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	labelOutcome = "outcome"
	labelRule    = "rule"
	labelKind    = "kind"
)

// Collector holds the Prometheus metrics of the admission pipeline.
type Collector struct {
	Decisions   *prometheus.CounterVec
	StoreErrors *prometheus.CounterVec
	RuleErrors  *prometheus.CounterVec
}

// NewCollector creates a new instance of Collector.
func NewCollector(namespace string) *Collector {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_decisions_total",
		Help:      "Number of admission decisions by outcome and deciding rule.",
	}, []string{labelOutcome, labelRule})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_store_errors_total",
		Help:      "Number of throttle checks skipped because the counter store failed.",
	}, []string{labelRule})

	ruleErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_rule_errors_total",
		Help:      "Number of rule evaluations that returned an error.",
	}, []string{labelKind, labelRule})

	return &Collector{
		Decisions:   decisions,
		StoreErrors: storeErrors,
		RuleErrors:  ruleErrors,
	}
}

// MustRegister registers the metrics in reg and panics if any error occurs.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.Decisions,
		c.StoreErrors,
		c.RuleErrors,
	)
}

// Unregister removes the metrics from reg.
func (c *Collector) Unregister(reg prometheus.Registerer) {
	reg.Unregister(c.Decisions)
	reg.Unregister(c.StoreErrors)
	reg.Unregister(c.RuleErrors)
}

// IncDecision counts a decision.
func (c *Collector) IncDecision(outcome, rule string) {
	c.Decisions.With(prometheus.Labels{labelOutcome: outcome, labelRule: rule}).Inc()
}

// IncStoreError counts a counter store failure.
func (c *Collector) IncStoreError(rule string) {
	c.StoreErrors.With(prometheus.Labels{labelRule: rule}).Inc()
}

// IncRuleError counts a failing rule function.
func (c *Collector) IncRuleError(kind, rule string) {
	c.RuleErrors.With(prometheus.Labels{labelKind: kind, labelRule: rule}).Inc()
}
