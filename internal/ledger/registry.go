package ledger

import (
	"context"
	"fmt"
	"sort"
)

// Registry maps a network name to its client. It is built once and never mutated.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) (*Registry, error) {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		name := c.Network().Name
		if name == "" {
			return nil, fmt.Errorf("network with empty name")
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("network %q registered twice", name)
		}
		m[name] = c
	}
	return &Registry{clients: m}, nil
}

// Get looks up a network by its exact configured name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names returns the registered network names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PingAll pings every network. Healthy networks map to a nil error.
func (r *Registry) PingAll(ctx context.Context) map[string]error {
	out := make(map[string]error, len(r.clients))
	for name, c := range r.clients {
		out[name] = c.Ping(ctx)
	}
	return out
}

// Close releases the node connections of clients that hold one.
func (r *Registry) Close() {
	for _, c := range r.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
