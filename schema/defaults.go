package schema

import (
	"embed"
	"fmt"

	"github.com/princesaroj111/kestrel-lang"
	kqe "github.com/princesaroj111/kestrel-lang/errors"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

type entityCatalogYAML struct {
	Entities []struct {
		Name       string   `yaml:"name"`
		Identity   []string `yaml:"identity"`
		Attributes []struct {
			Name string `yaml:"name"`
			Type string `yaml:"type"`
		} `yaml:"attributes"`
	} `yaml:"entities"`
}

type relationCatalogYAML struct {
	Relations []struct {
		Name       string `yaml:"name"`
		Source     string `yaml:"source"`
		Target     string `yaml:"target"`
		SourceAttr string `yaml:"source_attr"`
		TargetAttr string `yaml:"target_attr"`
	} `yaml:"relations"`
}

type dialectYAML struct {
	Dialect  string `yaml:"dialect"`
	Entities []struct {
		Canonical  string `yaml:"canonical"`
		Native     string `yaml:"native"`
		Attributes []struct {
			Canonical string `yaml:"canonical"`
			Native    string `yaml:"native"`
		} `yaml:"attributes"`
	} `yaml:"entities"`
}

func (r *Registry) loadDefaults() error {
	data, err := defaultsFS.ReadFile("defaults/entities.yaml")
	if err != nil {
		return err
	}
	if err := r.loadEntities(data); err != nil {
		return err
	}
	data, err = defaultsFS.ReadFile("defaults/relations.yaml")
	if err != nil {
		return err
	}
	if err := r.LoadRelations(data); err != nil {
		return err
	}
	r.dialects[DialectCanonical] = identityDialect(r.entities, r.order)
	for _, name := range []string{"defaults/stix.yaml", "defaults/ecs.yaml"} {
		data, err := defaultsFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := r.LoadDialect(data); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) loadEntities(data []byte) error {
	var catalog entityCatalogYAML
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return err
	}
	for _, e := range catalog.Entities {
		attrs := make([]Attribute, 0, len(e.Attributes))
		for _, a := range e.Attributes {
			typ, err := parseType(a.Type)
			if err != nil {
				return fmt.Errorf("entity %q attribute %q: %w", e.Name, a.Name, err)
			}
			attrs = append(attrs, Attribute{Name: a.Name, Type: typ})
		}
		r.addEntity(newEntity(e.Name, e.Identity, attrs))
	}
	return nil
}

// LoadRelations parses a relation catalog and registers its relations.
// Both join attributes of every relation must exist in the entity
// catalog.
func (r *Registry) LoadRelations(data []byte) error {
	var catalog relationCatalogYAML
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return err
	}
	for _, rel := range catalog.Relations {
		for _, side := range []struct{ entity, attr string }{
			{rel.Source, rel.SourceAttr},
			{rel.Target, rel.TargetAttr},
		} {
			if _, err := r.Attr(side.entity, side.attr); err != nil {
				return fmt.Errorf("relation %q: %w", rel.Name, err)
			}
		}
		r.relations[rel.Name] = &Relation{
			Name:       rel.Name,
			Source:     rel.Source,
			Target:     rel.Target,
			SourceAttr: rel.SourceAttr,
			TargetAttr: rel.TargetAttr,
		}
	}
	return nil
}

// LoadDialect parses a dialect map and registers it.  Every canonical
// entity and attribute the map names must exist in the catalog.
func (r *Registry) LoadDialect(data []byte) (*Dialect, error) {
	var raw dialectYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, kqe.E(kqe.SchemaResolution, "bad dialect map: %w", err)
	}
	if raw.Dialect == "" {
		return nil, kqe.E(kqe.SchemaResolution, "dialect map has no name")
	}
	d := &Dialect{Name: raw.Dialect, entities: make(map[string]*EntityMap)}
	for _, e := range raw.Entities {
		if _, err := r.Entity(e.Canonical); err != nil {
			return nil, err
		}
		m := &EntityMap{
			Canonical: e.Canonical,
			Native:    e.Native,
			toNative:  make(map[string]string),
			toCanon:   make(map[string]string),
		}
		for _, a := range e.Attributes {
			if _, err := r.Attr(e.Canonical, a.Canonical); err != nil {
				return nil, err
			}
			m.toNative[a.Canonical] = a.Native
			m.toCanon[a.Native] = a.Canonical
			m.order = append(m.order, a.Canonical)
		}
		d.entities[e.Canonical] = m
	}
	if err := r.RegisterDialect(d); err != nil {
		return nil, err
	}
	return d, nil
}

func parseType(name string) (kestrel.Type, error) {
	switch name {
	case "string":
		return kestrel.TypeString, nil
	case "int":
		return kestrel.TypeInt, nil
	case "float":
		return kestrel.TypeFloat, nil
	case "bool":
		return kestrel.TypeBool, nil
	case "time":
		return kestrel.TypeTime, nil
	}
	return kestrel.TypeNull, fmt.Errorf("unknown type %q", name)
}
