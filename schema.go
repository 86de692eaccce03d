package kestrel

// Field binds one canonical attribute to the native column that backs
// it on a particular backend.  A compiled query carries the schema of
// its output so results can be translated back to canonical names
// without consulting the registry again.
type Field struct {
	Canonical string `json:"canonical"`
	Native    string `json:"native"`
	Type      Type   `json:"type"`
}

// Schema is an ordered field list.  Order is meaningful: it is the
// column order of the query's result table.
type Schema []Field

// Native returns the native column backing a canonical attribute.
func (s Schema) Native(canonical string) (string, bool) {
	for _, f := range s {
		if f.Canonical == canonical {
			return f.Native, true
		}
	}
	return "", false
}

// Canonical returns the canonical attribute backed by a native column.
func (s Schema) Canonical(native string) (string, bool) {
	for _, f := range s {
		if f.Native == native {
			return f.Canonical, true
		}
	}
	return "", false
}

func (s Schema) Find(canonical string) (Field, bool) {
	for _, f := range s {
		if f.Canonical == canonical {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns the canonical attribute names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Canonical
	}
	return names
}

// Columns returns the canonical result columns described by the schema.
func (s Schema) Columns() []Column {
	columns := make([]Column, len(s))
	for i, f := range s {
		columns[i] = Column{Name: f.Canonical, Type: f.Type}
	}
	return columns
}
