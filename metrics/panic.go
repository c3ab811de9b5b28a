// Package metrics has prometheus metric variables/functions shared between
// packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ssekeep_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Package names used as label for the panic counter.
const (
	Store       = "store"
	Serve       = "serve"
	SettingsAPI = "settingsapi"
	PipelineAPI = "pipelineapi"
)

// PanicInc increases the unhandled panic counter for pkg.
func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
