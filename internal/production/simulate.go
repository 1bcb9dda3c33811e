package production

import (
	"context"
)

// Simulation is a dry run of every production month, without touching the browser.
type Simulation struct {
	Months     []Batch
	TotalCents int64
	Fallbacks  int
}

// Simulate generates one batch per month, in order.
func (g *Generator) Simulate(ctx context.Context, months []string) (Simulation, error) {
	var sim Simulation
	for _, m := range months {
		b, err := g.Generate(ctx, m)
		if err != nil {
			return sim, err
		}
		sim.Months = append(sim.Months, b)
		sim.TotalCents += b.TotalCents
		if b.Fallback {
			sim.Fallbacks++
		}
	}
	return sim, nil
}
