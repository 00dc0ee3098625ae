// Package metrics exports gateway selection and request correlation metrics
// to Prometheus.
package metrics
