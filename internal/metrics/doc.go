// Package metrics exposes Prometheus counters for the bot on a private
// registry. Methods on a nil *Metrics are no-ops so components can run
// with metrics disabled.
package metrics
