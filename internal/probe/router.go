package probe

import (
	"context"
	"sort"

	"codeberg.org/mutker/healthwatch/internal/health"
)

// Provider is a source that knows which signals it serves.
type Provider interface {
	health.Source
	Signals() []string
}

// Router sends each signal to the provider that serves it. The first
// provider registered for a name wins.
type Router struct {
	routes map[string]health.Source
}

func NewRouter(providers ...Provider) *Router {
	r := &Router{routes: map[string]health.Source{}}
	for _, p := range providers {
		for _, name := range p.Signals() {
			if _, taken := r.routes[name]; !taken {
				r.routes[name] = p
			}
		}
	}

	return r
}

// Handle serves name from src, replacing any earlier route.
func (r *Router) Handle(name string, src health.Source) {
	r.routes[name] = src
}

func (r *Router) GetValue(ctx context.Context, name string) (float64, bool) {
	src, ok := r.routes[name]
	if !ok {
		return 0, false
	}

	return src.GetValue(ctx, name)
}

func (r *Router) Signals() []string {
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	sort.Strings(out)

	return out
}
