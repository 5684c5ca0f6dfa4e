package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce registers c with the default registry and returns the
// collector to use from now on: c itself, or the identical collector that an
// earlier constructor call registered. Any other registration error panics.
func registerOnce[C prometheus.Collector](c C) C {
	err := prometheus.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		panic(err)
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		panic(err)
	}
	return existing
}

// padLabels returns exactly n label values: extra values are dropped and
// missing ones are left empty.
func padLabels(labels []string, n int) []string {
	if len(labels) >= n {
		return labels[:n]
	}
	return append(labels, make([]string, n-len(labels))...)
}
