// Package metrics records convergence and host command outcomes.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/todoroff/terraform-provider-catlet/internal/convergence"
	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
)

const namespace = "catlet"

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

// Recorder implements convergence.Observer and hypervcli.Observer.
type Recorder struct {
	registry *prometheus.Registry

	stepDuration  *prometheus.HistogramVec
	hostCommands  *prometheus.CounterVec
	bootFallbacks prometheus.Counter
}

var (
	_ convergence.Observer = (*Recorder)(nil)
	_ hypervcli.Observer   = (*Recorder)(nil)
)

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "convergence",
				Name:      "step_duration_seconds",
				Help:      "Duration of convergence steps by outcome.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"step", "outcome"},
		),
		hostCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "host",
				Name:      "commands_total",
				Help:      "Count of mutating host commands by execution mode and outcome.",
			},
			[]string{"command", "mode", "outcome"},
		),
		bootFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "secure_boot_fallbacks_total",
				Help:      "Count of firmware updates retried out of process.",
			},
		),
	}
	r.registry.MustRegister(r.stepDuration, r.hostCommands, r.bootFallbacks)
	return r
}

// Registry exposes the collectors, e.g. for promhttp or a textfile export.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// StepFinished records the duration of a convergence step.
func (r *Recorder) StepFinished(step string, duration time.Duration, err error) {
	r.stepDuration.WithLabelValues(step, stepOutcome(err)).Observe(duration.Seconds())
}

// CommandFinished records a host command.
func (r *Recorder) CommandFinished(command string, mode hypervcli.Mode, err error) {
	r.hostCommands.WithLabelValues(command, string(mode), commandOutcome(err)).Inc()
	if command == hypervcli.CmdSetFirmware && mode == hypervcli.ModeOutOfProcess {
		r.bootFallbacks.Inc()
	}
}

// WriteTextfile writes all metrics in the text exposition format, e.g. for
// the node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

func stepOutcome(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	var convErr *convergence.Error
	if errors.As(err, &convErr) {
		return convErr.Kind.String()
	}
	return outcomeError
}

func commandOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	default:
		return outcomeError
	}
}
