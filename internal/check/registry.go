package check

import "fmt"

// Registry is the ordered set of known checks. Order is execution order.
type Registry struct {
	checks []Check
	byName map[string]Check
}

// NewRegistry builds a registry from checks in the given order. Duplicate
// or empty names are rejected.
func NewRegistry(checks ...Check) (*Registry, error) {
	r := &Registry{byName: make(map[string]Check, len(checks))}
	for _, c := range checks {
		name := c.Name()
		if name == "" {
			return nil, fmt.Errorf("check %T has no name", c)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate check %q", name)
		}
		r.byName[name] = c
		r.checks = append(r.checks, c)
	}
	return r, nil
}

// Default returns the built-in checks.
func Default() *Registry {
	r, err := NewRegistry(
		OSInfo{},
		RPMInventory{},
		RPMVerify{},
		Sockets{},
		Processes{},
		Routes{},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Checks returns the checks in execution order.
func (r *Registry) Checks() []Check {
	out := make([]Check, len(r.checks))
	copy(out, r.checks)
	return out
}

// Lookup returns the check registered under name.
func (r *Registry) Lookup(name string) (Check, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Names returns check names in execution order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.checks))
	for i, c := range r.checks {
		names[i] = c.Name()
	}
	return names
}
