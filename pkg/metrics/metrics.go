// webmessages - A web client for the macOS Messages database.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package metrics holds the Prometheus collectors of the server. Every
// method is safe to call on a nil *Metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webmessages"

type Metrics struct {
	registry *prometheus.Registry

	watcherTicks    *prometheus.CounterVec
	watcherTickTime prometheus.Histogram
	watcherCursor   prometheus.Gauge
	watcherRows     prometheus.Counter
	eventsPublished *prometheus.CounterVec
	subscribers     prometheus.Gauge
	subscriberDrops prometheus.Counter
	commands        *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	verifyOutcomes  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	relayMessages   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		watcherTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "ticks_total",
			Help: "Watcher ticks by result.",
		}, []string{"result"}),
		watcherTickTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "tick_duration_seconds",
			Help:    "Time spent in one watcher tick.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		watcherCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "cursor",
			Help: "Highest message ROWID processed.",
		}),
		watcherRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watcher", Name: "rows_total",
			Help: "Message rows picked up by the watcher.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Events published to subscribers by type.",
		}, []string{"type"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "subscribers",
			Help: "Connected event stream subscribers.",
		}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "dropped_subscribers_total",
			Help: "Subscribers removed after a failed write.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "commands_total",
			Help: "Executor commands by action and outcome.",
		}, []string{"action", "outcome"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "command_duration_seconds",
			Help:    "Time from writing a command to its response.",
			Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 15},
		}, []string{"action"}),
		verifyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "actions", Name: "results_total",
			Help: "Action results by HTTP status.",
		}, []string{"action", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "rate_limited_total",
			Help: "Mutating requests rejected by the rate limiter.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "messages_total",
			Help: "Events sent to or received from the relay.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.watcherTicks, m.watcherTickTime, m.watcherCursor, m.watcherRows,
		m.eventsPublished, m.subscribers, m.subscriberDrops,
		m.commands, m.commandLatency, m.verifyOutcomes,
		m.httpRequests, m.httpLatency, m.rateLimited, m.relayMessages,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WatcherTick(elapsed time.Duration, rows int, cursor int64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.watcherTicks.WithLabelValues(result).Inc()
	m.watcherTickTime.Observe(elapsed.Seconds())
	m.watcherRows.Add(float64(rows))
	m.watcherCursor.Set(float64(cursor))
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscriberDrops.Inc()
}

func (m *Metrics) CommandFinished(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, outcome).Inc()
	m.commandLatency.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) ActionResult(action string, status int) {
	if m == nil {
		return
	}
	m.verifyOutcomes.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) Relay(direction string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(direction).Inc()
}

// OutcomeOf labels an error using the sentinel errors it wraps. Unknown
// errors are labelled "error".
func OutcomeOf(err error, named map[error]string) string {
	if err == nil {
		return "ok"
	}
	for target, name := range named {
		if errors.Is(err, target) {
			return name
		}
	}
	return "error"
}
