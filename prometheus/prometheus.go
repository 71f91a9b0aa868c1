// Dagrt
// Copyright (C) 2013-2020+ James Shubin and the project contributors
// Written by James Shubin <james@shubin.ca> and the project contributors
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
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package prometheus exposes this engine's metrics over HTTP: a registry
// callers pass to scheduler.NewMetrics, plus a small set of engine-wide
// collectors (live node counts per kind, ticks run, message cycles aborted)
// that sit above any one tick's scheduling metrics.
package prometheus

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/purpleidea/dagrt/errwrap"
)

// DefaultListen is registered in
// https://github.com/prometheus/prometheus/wiki/Default-port-allocations
const DefaultListen = "127.0.0.1:9233"

// Telemetry owns the engine-wide Prometheus registry and the HTTP server
// exposing it, plus the handful of collectors this package tracks directly.
type Telemetry struct {
	Listen string // the listen specification for the net/http server

	Registry *prometheus.Registry

	liveNodes            *prometheus.GaugeVec
	ticksTotal           prometheus.Counter
	messageCyclesAborted prometheus.Counter

	srv *http.Server
}

// Init constructs the registry and collectors. Callers pass obj.Registry to
// scheduler.NewMetrics so tick-scheduling metrics land in the same registry
// this HTTP server exposes.
func (obj *Telemetry) Init() error {
	if obj.Listen == "" {
		obj.Listen = DefaultListen
	}
	obj.Registry = prometheus.NewRegistry()

	obj.liveNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dagrt_live_nodes",
		Help: "Number of live simulation nodes, by kind.",
	}, []string{"kind"})
	obj.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dagrt_ticks_total",
		Help: "Number of simulation ticks run.",
	})
	obj.messageCyclesAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dagrt_message_cycles_aborted_total",
		Help: "Number of message dispatches aborted for exceeding the max recursion depth.",
	})
	obj.Registry.MustRegister(obj.liveNodes, obj.ticksTotal, obj.messageCyclesAborted)
	return nil
}

// Start runs an HTTP server in a goroutine, serving /metrics against this
// Telemetry's registry.
func (obj *Telemetry) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(obj.Registry, promhttp.HandlerOpts{}))
	obj.srv = &http.Server{Addr: obj.Listen, Handler: mux}
	go func() {
		if err := obj.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Nothing downstream can act on a failed listener beyond
			// this point; Stop() is the only legitimate shutdown path.
			_ = err
		}
	}()
	return nil
}

// Stop shuts down the HTTP server.
func (obj *Telemetry) Stop() error {
	if obj.srv == nil {
		return nil
	}
	if err := obj.srv.Shutdown(context.Background()); err != nil {
		return errwrap.Wrapf(err, "telemetry: shutdown")
	}
	return nil
}

// NodeCreated increments the live-node gauge for kind.
func (obj *Telemetry) NodeCreated(kind string) {
	obj.liveNodes.WithLabelValues(kind).Inc()
}

// NodeDestroyed decrements the live-node gauge for kind.
func (obj *Telemetry) NodeDestroyed(kind string) {
	obj.liveNodes.WithLabelValues(kind).Dec()
}

// Tick increments the ticks-run counter.
func (obj *Telemetry) Tick() {
	obj.ticksTotal.Inc()
}

// MessageCycleAborted increments the aborted-cycle counter.
func (obj *Telemetry) MessageCycleAborted() {
	obj.messageCyclesAborted.Inc()
}
