package backend

import (
	"strings"

	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"github.com/princesaroj111/kestrel-lang/ir"
)

// Registry holds the backends of a session in registration order.
// Registration order is meaningful: when several backends could host a
// node, the planner prefers the one registered first.
type Registry struct {
	order  []Interface
	byName map[string]Interface
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Interface)}
}

// Register adds a backend.  Names are unique.
func (r *Registry) Register(iface Interface) error {
	name := iface.Name()
	if _, ok := r.byName[name]; ok {
		return kqe.E(kqe.Conflict, "interface %q is already registered", name)
	}
	r.byName[name] = iface
	r.order = append(r.order, iface)
	return nil
}

// Lookup resolves a backend by name.
func (r *Registry) Lookup(name string) (Interface, error) {
	if iface, ok := r.byName[name]; ok {
		return iface, nil
	}
	if len(r.order) == 0 {
		return nil, kqe.E(kqe.BackendCapability, "no interface registered as %q and no interfaces are registered at all", name)
	}
	return nil, kqe.E(kqe.BackendCapability, "no interface registered as %q (registered: %s)",
		name, strings.Join(r.Names(), ", "))
}

// Names returns the registered backend names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	for i, iface := range r.order {
		names[i] = iface.Name()
	}
	return names
}

// All returns the backends in registration order.
func (r *Registry) All() []Interface {
	return append([]Interface(nil), r.order...)
}

// Supports reports whether the named backend can evaluate the given
// node kind over the given entity.
func (r *Registry) Supports(name string, kind ir.Kind, entity string) bool {
	iface, ok := r.byName[name]
	return ok && iface.Capabilities().Supports(kind, entity)
}

// FirstCapable returns the first registered backend whose
// capabilities cover the node kind and entity.  Backends that name
// the entity explicitly win over catch-alls, so a dedicated
// datasource interface is chosen ahead of the universal store.
func (r *Registry) FirstCapable(kind ir.Kind, entity string) (Interface, bool) {
	for _, iface := range r.order {
		c := iface.Capabilities()
		if c.lists(entity) && c.Supports(kind, entity) {
			return iface, true
		}
	}
	for _, iface := range r.order {
		if iface.Capabilities().Supports(kind, entity) {
			return iface, true
		}
	}
	return nil, false
}
