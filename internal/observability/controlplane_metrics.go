package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ControlPlaneCollector exposes command dispatch, event ingestion, intent and
// reconfiguration metrics.
type ControlPlaneCollector struct {
	gatherer prometheus.Gatherer

	CommandsSent            *prometheus.CounterVec
	EventsIngested          *prometheus.CounterVec
	DisplayEvents           *prometheus.CounterVec
	UnresolvedEvents        prometheus.Counter
	ShortcutDeliveries      *prometheus.CounterVec
	Intents                 *prometheus.CounterVec
	Reconfigurations        *prometheus.CounterVec
	ReconfigurationDuration prometheus.Histogram
}

// NewControlPlaneCollector registers control-plane metrics against the
// provided registerer.
func NewControlPlaneCollector(reg prometheus.Registerer) (*ControlPlaneCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_commands_sent_total",
		Help: "Node commands handed to the dispatcher, labeled by command and outcome.",
	}, []string{"command", "result"}), "swarm_commands_sent_total")
	if err != nil {
		return nil, err
	}

	ingested, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_events_ingested_total",
		Help: "Engine events drained by the ingestion loop, labeled by category.",
	}, []string{"category"}), "swarm_events_ingested_total")
	if err != nil {
		return nil, err
	}

	display, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_display_events_total",
		Help: "Display events forwarded to the observer after downsampling, labeled by category.",
	}, []string{"category"}), "swarm_display_events_total")
	if err != nil {
		return nil, err
	}

	unresolved, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarm_events_unresolved_total",
		Help: "Events dropped because an endpoint had no registry entry.",
	}), "swarm_events_unresolved_total")
	if err != nil {
		return nil, err
	}

	shortcuts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_shortcut_deliveries_total",
		Help: "Shortcut packets handed directly to their destination, labeled by outcome.",
	}, []string{"result"}), "swarm_shortcut_deliveries_total")
	if err != nil {
		return nil, err
	}

	intents, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_intents_total",
		Help: "Operator intents handled by the controller, labeled by intent and status.",
	}, []string{"intent", "status"}), "swarm_intents_total")
	if err != nil {
		return nil, err
	}

	reconfigs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_reconfigurations_total",
		Help: "Topology swaps attempted, labeled by result.",
	}, []string{"result"}), "swarm_reconfigurations_total")
	if err != nil {
		return nil, err
	}

	reconfigDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_reconfiguration_duration_seconds",
		Help:    "Wall time of a topology swap from load to engine restart.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}), "swarm_reconfiguration_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ControlPlaneCollector{
		gatherer:                gatherer,
		CommandsSent:            commands,
		EventsIngested:          ingested,
		DisplayEvents:           display,
		UnresolvedEvents:        unresolved,
		ShortcutDeliveries:      shortcuts,
		Intents:                 intents,
		Reconfigurations:        reconfigs,
		ReconfigurationDuration: reconfigDuration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ControlPlaneCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveCommand counts one dispatcher send.
func (c *ControlPlaneCollector) ObserveCommand(command, result string) {
	if c == nil || c.CommandsSent == nil {
		return
	}
	c.CommandsSent.WithLabelValues(command, result).Inc()
}

// ObserveEvent counts one drained event and, when forwarded is true, the
// display event it produced.
func (c *ControlPlaneCollector) ObserveEvent(category string, forwarded bool) {
	if c == nil {
		return
	}
	if c.EventsIngested != nil {
		c.EventsIngested.WithLabelValues(category).Inc()
	}
	if forwarded && c.DisplayEvents != nil {
		c.DisplayEvents.WithLabelValues(category).Inc()
	}
}

// ObserveUnresolved counts an event dropped for an unknown endpoint.
func (c *ControlPlaneCollector) ObserveUnresolved() {
	if c == nil || c.UnresolvedEvents == nil {
		return
	}
	c.UnresolvedEvents.Inc()
}

// ObserveShortcut counts one shortcut delivery attempt.
func (c *ControlPlaneCollector) ObserveShortcut(result string) {
	if c == nil || c.ShortcutDeliveries == nil {
		return
	}
	c.ShortcutDeliveries.WithLabelValues(result).Inc()
}

// ObserveIntent counts one operator intent outcome.
func (c *ControlPlaneCollector) ObserveIntent(intent, status string) {
	if c == nil || c.Intents == nil {
		return
	}
	c.Intents.WithLabelValues(intent, status).Inc()
}

// ObserveReconfiguration records a swap outcome and its duration.
func (c *ControlPlaneCollector) ObserveReconfiguration(result string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Reconfigurations != nil {
		c.Reconfigurations.WithLabelValues(result).Inc()
	}
	if c.ReconfigurationDuration != nil {
		c.ReconfigurationDuration.Observe(d.Seconds())
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
