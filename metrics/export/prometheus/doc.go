// Package prometheus bridges the engine's lock-free counters into a
// prometheus.Collector so deployments can scrape them alongside their
// other metrics.
package prometheus
