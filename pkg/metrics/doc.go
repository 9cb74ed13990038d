/*
Package metrics exposes Burrow's Prometheus instrumentation: memory and
vbucket gauges, flusher and background-fetch histograms, pager and task
counters, and the Timer helper used to record operation latencies.

Handler returns the scrape endpoint served by cmd/burrow next to pprof.
*/
package metrics
