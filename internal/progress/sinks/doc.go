// Package sinks implements concrete progress consumers: Prometheus collectors
// and structured logs. Each sink satisfies progress.Sink.
package sinks
