package objectstore

import (
	"time"

	"github.com/docker/go-metrics"
)

var (
	opDuration metrics.LabeledTimer
	opErrors   metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("registry", "objectstore", nil)
	opDuration = ns.NewLabeledTimer("operation", "The number of seconds spent per object store operation", "operation")
	opErrors = ns.NewLabeledCounter("operation_errors", "The number of failed object store operations", "operation")
	metrics.Register(ns)
}

// trackOp times one backend operation and counts failures. The returned
// function must be called exactly once with the operation's error.
func trackOp(op string) func(error) {
	start := time.Now()
	return func(err error) {
		opDuration.WithValues(op).UpdateSince(start)
		if err != nil {
			opErrors.WithValues(op).Inc(1)
		}
	}
}
