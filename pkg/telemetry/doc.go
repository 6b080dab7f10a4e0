// Package telemetry wires OpenTelemetry tracing, pipeline meters and the
// Prometheus registry used by the cloaking service and proxy.
//
// Attributes never carry page text: the redaction helpers drop any attribute
// that could hold plaintext before export.
package telemetry
