// Package sinks implements lifecycle event consumers: Prometheus collectors
// for queue throughput and a structured log sink for audits.
package sinks
