// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that job trackers use to report scrape progress. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, structured logging, or the in-memory
// checkpoint store polled by the API.
package progress
