// Package stage defines the contract between the workflow manager and the
// four pipeline stages.
package stage

import (
	"context"

	"clipd/internal/queue"
)

// Handler describes the contract the workflow manager needs from each stage.
// Prepare validates inputs cheaply before the stage is committed to; Execute
// performs the work and records its outputs on the job; HealthCheck reports
// whether the stage's external dependencies are reachable.
type Handler interface {
	Prepare(context.Context, *queue.Job) error
	Execute(context.Context, *queue.Job) error
	HealthCheck(context.Context) Health
}

// Health summarizes the readiness of a workflow stage.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
