package orchestrator

import (
	"context"
)

// ComponentHealth is the result of one component's check.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Detail  string
}

// Health is the aggregated picture: healthy only when every component is.
type Health struct {
	Phase      Phase
	Healthy    bool
	Components []ComponentHealth
}

// HealthCheck probes the store and each component. The verdict is binary;
// a degraded component makes the whole orchestrator unhealthy.
func (o *Orchestrator) HealthCheck(ctx context.Context) Health {
	o.mu.Lock()
	phase := o.phase
	st := o.store
	o.mu.Unlock()

	health := Health{Phase: phase, Healthy: true}

	if phase != PhaseRunning {
		health.Healthy = false
		health.Components = append(health.Components, ComponentHealth{
			Name: "orchestrator", Detail: "not running: " + string(phase),
		})
		return health
	}

	checks := []struct {
		name  string
		probe func(context.Context) error
	}{
		{"store", st.CheckHealth},
		{"queue", o.queue.Healthy},
		{"workerpool", o.pool.Healthy},
		{"state", o.states.Healthy},
	}

	for _, check := range checks {
		component := ComponentHealth{Name: check.name, Healthy: true}
		if err := check.probe(ctx); err != nil {
			component.Healthy = false
			component.Detail = err.Error()
			health.Healthy = false
		}
		health.Components = append(health.Components, component)
	}

	return health
}
