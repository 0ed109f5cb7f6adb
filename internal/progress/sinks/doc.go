// Package sinks implements concrete progress consumers: Prometheus metrics,
// structured logging, and the in-memory checkpoint store the API polls for
// running-job status. Each sink satisfies the progress.Sink interface and is
// safe for repeated Consume/Close cycles.
package sinks
