// Bob is a content-addressed package build orchestrator.
// Copyright (C) 2026 The Bob Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes build instrumentation in Prometheus format.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Step outcome labels.
const (
	OutcomeExecuted   = "executed"
	OutcomeSkipped    = "skipped"
	OutcomeDownloaded = "downloaded"
	OutcomeUploaded   = "uploaded"
	OutcomePruned     = "pruned"
	OutcomeAttic      = "attic"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily used by
// tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bob_steps_total",
		Help: "Build steps by kind and outcome.",
	}, []string{"kind", "outcome"})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bob_step_duration_seconds",
		Help:    "Wall time of executed build steps.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"kind"})

	reg.MustRegister(stepsTotal, stepDuration)
}

// CountStep records one step outcome.
func CountStep(kind, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	stepsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveStep records the duration of one executed step.
func ObserveStep(kind string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Handler returns an HTTP handler exposing the registry.
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Gather collects the current metric families. Used by tests.
func Gather() ([]*Metric, error) {
	mu.RLock()
	defer mu.RUnlock()
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	var out []*Metric
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			metric := &Metric{Name: fam.GetName(), Labels: map[string]string{}}
			for _, lp := range m.GetLabel() {
				metric.Labels[lp.GetName()] = lp.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				metric.Value = c.GetValue()
			}
			out = append(out, metric)
		}
	}
	return out, nil
}

// Metric is a flattened sample for test assertions.
type Metric struct {
	Name   string
	Labels map[string]string
	Value  float64
}
