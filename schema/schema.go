// Package schema holds the canonical data model of the hunt: entity
// types with typed attributes, the relations between them, and the
// dialect maps that translate canonical names to and from each
// backend's native field names.  Everything above the backends speaks
// canonical names; this package is where the two worlds meet.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/princesaroj111/kestrel-lang"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DialectCanonical is the identity dialect: native names equal
// canonical names.  The local store and analytics adapters use it.
const DialectCanonical = "canonical"

// Attribute is one typed attribute of a canonical entity.
type Attribute struct {
	Name string
	Type kestrel.Type
}

// Entity is a canonical entity type.  Attribute order is the order of
// the defining catalog and is the default column order of results.
type Entity struct {
	Name     string
	Identity []string
	attrs    []Attribute
	index    map[string]int
}

func newEntity(name string, identity []string, attrs []Attribute) *Entity {
	e := &Entity{Name: name, Identity: identity, attrs: attrs, index: make(map[string]int, len(attrs))}
	for i, a := range attrs {
		e.index[a.Name] = i
	}
	return e
}

func (e *Entity) Attributes() []Attribute {
	return e.attrs
}

func (e *Entity) Attr(name string) (Attribute, bool) {
	i, ok := e.index[name]
	if !ok {
		return Attribute{}, false
	}
	return e.attrs[i], true
}

func (e *Entity) AttrNames() []string {
	names := make([]string, len(e.attrs))
	for i, a := range e.attrs {
		names[i] = a.Name
	}
	return names
}

// Relation links a source entity to a target entity through a join
// attribute on each side.  The name reads source-to-target: for
// "created", the source is the creator.
type Relation struct {
	Name       string
	Source     string
	Target     string
	SourceAttr string
	TargetAttr string
}

// Traversal is a resolved FIND: the join attribute to project from the
// input rows and the join attribute to filter on the result entity.
type Traversal struct {
	Relation   *Relation
	InputAttr  string
	ResultAttr string
}

// Registry is the schema catalog of a session: canonical entities,
// relations, and registered dialects.
type Registry struct {
	mu        sync.RWMutex
	entities  map[string]*Entity
	order     []string
	relations map[string]*Relation
	dialects  map[string]*Dialect
}

// NewRegistry loads the built-in catalog and dialect maps.  The
// canonical identity dialect is always present.
func NewRegistry() *Registry {
	r := &Registry{
		entities:  make(map[string]*Entity),
		relations: make(map[string]*Relation),
		dialects:  make(map[string]*Dialect),
	}
	if err := r.loadDefaults(); err != nil {
		panic(fmt.Sprintf("schema: bad embedded defaults: %s", err))
	}
	return r
}

func (r *Registry) addEntity(e *Entity) {
	r.entities[e.Name] = e
	r.order = append(r.order, e.Name)
}

// Entity resolves a canonical entity type.
func (r *Registry) Entity(name string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[name]; ok {
		return e, nil
	}
	return nil, kqe.E(kqe.SchemaResolution, "unknown entity type %q%s", name, Suggest(name, r.order))
}

// EntityNames returns the canonical entity types in catalog order.
func (r *Registry) EntityNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Attr resolves a canonical attribute of an entity.
func (r *Registry) Attr(entity, attr string) (Attribute, error) {
	e, err := r.Entity(entity)
	if err != nil {
		return Attribute{}, err
	}
	if a, ok := e.Attr(attr); ok {
		return a, nil
	}
	return Attribute{}, kqe.E(kqe.SchemaResolution, "entity %q has no attribute %q%s",
		entity, attr, Suggest(attr, e.AttrNames()))
}

// Relation resolves a relation by name.
func (r *Registry) Relation(name string) (*Relation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rel, ok := r.relations[name]; ok {
		return rel, nil
	}
	names := make([]string, 0, len(r.relations))
	for n := range r.relations {
		names = append(names, n)
	}
	return nil, kqe.E(kqe.SchemaResolution, "unknown relation %q%s", name, Suggest(name, names))
}

// Traverse resolves a FIND over a relation.  In the BY form the input
// variable plays the source role and the result is the target side;
// without BY the roles swap.
func (r *Registry) Traverse(relation string, reverse bool, inputEntity, resultEntity string) (*Traversal, error) {
	rel, err := r.Relation(relation)
	if err != nil {
		return nil, err
	}
	if reverse {
		if inputEntity != rel.Source || resultEntity != rel.Target {
			return nil, kqe.E(kqe.Unification,
				"relation %q links %s to %s; cannot find %s %s BY %s",
				relation, rel.Source, rel.Target, resultEntity, strings.ToUpper(relation), inputEntity)
		}
		return &Traversal{Relation: rel, InputAttr: rel.SourceAttr, ResultAttr: rel.TargetAttr}, nil
	}
	if inputEntity != rel.Target || resultEntity != rel.Source {
		return nil, kqe.E(kqe.Unification,
			"relation %q links %s to %s; cannot find %s %s %s",
			relation, rel.Source, rel.Target, resultEntity, strings.ToUpper(relation), inputEntity)
	}
	return &Traversal{Relation: rel, InputAttr: rel.TargetAttr, ResultAttr: rel.SourceAttr}, nil
}

// ResolveEntity resolves an entity name that may be written in any
// registered dialect to its canonical entity.  Canonical names win;
// otherwise dialect native names are tried in sorted dialect order so
// resolution is deterministic.
func (r *Registry) ResolveEntity(name string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entities[name]; ok {
		return e, nil
	}
	for _, dn := range sortedNames(r.dialects) {
		d := r.dialects[dn]
		for _, canonical := range r.order {
			if m, ok := d.entities[canonical]; ok && m.Native == name {
				return r.entities[canonical], nil
			}
		}
	}
	return nil, kqe.E(kqe.SchemaResolution, "unknown entity type %q%s", name, Suggest(name, r.order))
}

// ResolveAttr resolves an attribute name that may be written in any
// registered dialect against an entity, returning the canonical
// attribute.  Canonical names win; otherwise dialect native names are
// tried in sorted dialect order.
func (r *Registry) ResolveAttr(entity, name string) (Attribute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[entity]
	if !ok {
		return Attribute{}, kqe.E(kqe.SchemaResolution, "unknown entity type %q%s", entity, Suggest(entity, r.order))
	}
	if a, ok := e.Attr(name); ok {
		return a, nil
	}
	candidates := e.AttrNames()
	for _, dn := range sortedNames(r.dialects) {
		d := r.dialects[dn]
		m, ok := d.entities[entity]
		if !ok {
			continue
		}
		if canonical, ok := m.toCanon[name]; ok {
			if a, ok := e.Attr(canonical); ok {
				return a, nil
			}
		}
		for _, canonical := range m.order {
			candidates = append(candidates, m.toNative[canonical])
		}
	}
	return Attribute{}, kqe.E(kqe.SchemaResolution, "entity %q has no attribute %q in any registered dialect%s",
		entity, name, Suggest(name, candidates))
}

func sortedNames[T any](m map[string]T) []string {
	names := maps.Keys(m)
	slices.Sort(names)
	return names
}

// Dialect resolves a registered dialect by name.
func (r *Registry) Dialect(name string) (*Dialect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.dialects[name]; ok {
		return d, nil
	}
	names := make([]string, 0, len(r.dialects))
	for n := range r.dialects {
		names = append(names, n)
	}
	return nil, kqe.E(kqe.SchemaResolution, "unknown dialect %q%s", name, Suggest(name, names))
}

// RegisterDialect adds a dialect map.  Names are unique.
func (r *Registry) RegisterDialect(d *Dialect) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dialects[d.Name]; ok {
		return kqe.E(kqe.Conflict, "dialect %q is already registered", d.Name)
	}
	r.dialects[d.Name] = d
	return nil
}

// Dialect translates between canonical and native names for one
// backend family.
type Dialect struct {
	Name     string
	entities map[string]*EntityMap
}

// EntityMap is a dialect's mapping for one canonical entity.
type EntityMap struct {
	Canonical string
	Native    string
	toNative  map[string]string
	toCanon   map[string]string
	order     []string
}

func (d *Dialect) entityMap(entity string) (*EntityMap, error) {
	if m, ok := d.entities[entity]; ok {
		return m, nil
	}
	return nil, kqe.E(kqe.SchemaResolution, "dialect %q does not map entity type %q", d.Name, entity)
}

// NativeEntity returns the dialect's native name for an entity type.
func (d *Dialect) NativeEntity(entity string) (string, error) {
	m, err := d.entityMap(entity)
	if err != nil {
		return "", err
	}
	return m.Native, nil
}

// NativeAttr translates one canonical attribute to its native column.
func (d *Dialect) NativeAttr(entity, attr string) (string, error) {
	m, err := d.entityMap(entity)
	if err != nil {
		return "", err
	}
	if native, ok := m.toNative[attr]; ok {
		return native, nil
	}
	return "", kqe.E(kqe.SchemaResolution, "dialect %q has no mapping for %s.%s%s",
		d.Name, entity, attr, Suggest(attr, m.order))
}

// CanonicalAttr translates a native column back to its canonical
// attribute.
func (d *Dialect) CanonicalAttr(entity, native string) (string, bool) {
	m, ok := d.entities[entity]
	if !ok {
		return "", false
	}
	attr, ok := m.toCanon[native]
	return attr, ok
}

// MappedAttrs returns the canonical attributes the dialect maps for an
// entity, in mapping order.
func (d *Dialect) MappedAttrs(entity string) []string {
	m, ok := d.entities[entity]
	if !ok {
		return nil
	}
	return append([]string(nil), m.order...)
}

// NativeSchema builds the canonical-to-native schema for a query over
// the given attributes.  A nil attrs selects every attribute the
// dialect maps, in mapping order.  Attribute types come from the
// canonical catalog.
func (r *Registry) NativeSchema(dialect, entity string, attrs []string) (kestrel.Schema, error) {
	d, err := r.Dialect(dialect)
	if err != nil {
		return nil, err
	}
	e, err := r.Entity(entity)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		attrs = d.MappedAttrs(entity)
		if attrs == nil {
			return nil, kqe.E(kqe.SchemaResolution, "dialect %q does not map entity type %q", dialect, entity)
		}
	}
	out := make(kestrel.Schema, 0, len(attrs))
	for _, attr := range attrs {
		a, ok := e.Attr(attr)
		if !ok {
			return nil, kqe.E(kqe.SchemaResolution, "entity %q has no attribute %q%s",
				entity, attr, Suggest(attr, e.AttrNames()))
		}
		native, err := d.NativeAttr(entity, attr)
		if err != nil {
			return nil, err
		}
		out = append(out, kestrel.Field{Canonical: attr, Native: native, Type: a.Type})
	}
	return out, nil
}

// identityDialect builds the canonical identity dialect from the
// entity catalog.
func identityDialect(entities map[string]*Entity, order []string) *Dialect {
	d := &Dialect{Name: DialectCanonical, entities: make(map[string]*EntityMap)}
	for _, name := range order {
		e := entities[name]
		m := &EntityMap{
			Canonical: name,
			Native:    name,
			toNative:  make(map[string]string),
			toCanon:   make(map[string]string),
		}
		for _, a := range e.Attributes() {
			m.toNative[a.Name] = a.Name
			m.toCanon[a.Name] = a.Name
			m.order = append(m.order, a.Name)
		}
		d.entities[name] = m
	}
	return d
}
