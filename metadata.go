package odm

import (
	"fmt"
	"time"
)

// FieldMapping is the statically built descriptor of one mapped field.
// Get and Set are typed accessors produced by the field constructors (Scalar, EmbedOneField, ...).
type FieldMapping struct {
	// Name is the field name used in change sets and snapshots.
	Name string
	// StorageName is the document key; defaults to Name.
	StorageName string
	Kind        FieldKind
	// TargetClass is the class of embedded or referenced objects.
	TargetClass string
	Cascade     CascadeType
	// Nullable relations do not constrain the commit order.
	Nullable bool
	// MappedBy names the field of the target class owning an inverse relation.
	MappedBy string

	Get func(obj any) any
	Set func(obj any, value any) error

	// NewCollection creates an empty, uninitialized collection for to-many fields.
	NewCollection func() PersistentCollection
	// NewReference creates a reference handle for to-one reference fields.
	NewReference func(target any, id any) ReferenceHandle
}

// Key returns the document key of the field.
func (f *FieldMapping) Key() string {
	if f.StorageName != "" {
		return f.StorageName
	}
	return f.Name
}

// IsInverse reports whether the relation is owned by the other side.
func (f *FieldMapping) IsInverse() bool {
	return f.MappedBy != ""
}

// IsOwningReference reports whether the field stores identifiers of other documents.
func (f *FieldMapping) IsOwningReference() bool {
	return f.Kind.IsReference() && !f.IsInverse()
}

// WithCascade returns a copy of the mapping propagating ops.
func (f FieldMapping) WithCascade(ops CascadeType) FieldMapping {
	f.Cascade = ops
	return f
}

// WithStorageName returns a copy of the mapping stored under key.
func (f FieldMapping) WithStorageName(key string) FieldMapping {
	f.StorageName = key
	return f
}

// AsNullable returns a copy of the mapping marked as nullable.
func (f FieldMapping) AsNullable() FieldMapping {
	f.Nullable = true
	return f
}

// ClassMetadata is the mapping of one document or embedded document class.
type ClassMetadata struct {
	Name string
	// RootName is the root class of an inheritance hierarchy sharing one collection and identity space.
	RootName   string
	Collection string
	Embedded   bool

	IDField    string
	IDStrategy IDStrategy

	VersionField string
	VersionType  VersionType
	LockField    string

	Fields []FieldMapping
	// New returns a pointer to a new zero instance of the class.
	New func() any

	index map[string]int
}

// Root returns the root class name used to key the identity map.
func (m *ClassMetadata) Root() string {
	if m.RootName != "" {
		return m.RootName
	}
	return m.Name
}

// Field returns the mapping of a field by name.
func (m *ClassMetadata) Field(name string) (*FieldMapping, bool) {
	if name == "" {
		return nil, false
	}
	if m.index != nil {
		i, ok := m.index[name]
		if !ok {
			return nil, false
		}
		return &m.Fields[i], true
	}
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i], true
		}
	}
	return nil, false
}

// IsVersioned reports whether updates of the class are guarded by a version field.
func (m *ClassMetadata) IsVersioned() bool {
	return m.VersionField != "" && m.VersionType != VersionNone
}

// IsTracked reports whether field takes part in change sets. The identifier, version and lock
// fields are written by the Unit of Work itself.
func (m *ClassMetadata) IsTracked(field string) bool {
	return field != m.IDField && field != m.VersionField && field != m.LockField
}

// GetID returns the identifier of obj, nil when unset.
func (m *ClassMetadata) GetID(obj any) any {
	f, ok := m.Field(m.IDField)
	if !ok {
		return nil
	}
	id := f.Get(obj)
	if IsZeroValue(id) {
		return nil
	}
	return id
}

// SetID assigns the identifier of obj.
func (m *ClassMetadata) SetID(obj any, id any) error {
	f, ok := m.Field(m.IDField)
	if !ok {
		return Configurationf("class %s has no identifier field", m.Name)
	}
	return f.Set(obj, id)
}

// GetVersion returns the version of obj, nil when the class is not versioned.
func (m *ClassMetadata) GetVersion(obj any) any {
	if !m.IsVersioned() {
		return nil
	}
	f, _ := m.Field(m.VersionField)
	v := f.Get(obj)
	if IsZeroValue(v) {
		return nil
	}
	return v
}

// NextVersion returns the version following current.
func (m *ClassMetadata) NextVersion(current any) any {
	switch m.VersionType {
	case VersionInt:
		i, _ := asInt(current)
		return i + 1
	case VersionTimestamp:
		now := time.Now().UTC()
		if t, ok := current.(time.Time); ok && !now.After(t) {
			now = t.Add(time.Microsecond)
		}
		return now
	}
	return nil
}

// Validate checks the class on its own and indexes its fields. Relations to other
// classes are checked by the Registry.
func (m *ClassMetadata) Validate() error {
	if m.Name == "" {
		return Configurationf("class metadata without name")
	}
	if m.New == nil {
		return Configurationf("class %s has no constructor", m.Name)
	}
	if !m.Embedded {
		if m.Collection == "" {
			return Configurationf("class %s has no collection", m.Name)
		}
		if m.IDField == "" {
			return Configurationf("class %s has no identifier field", m.Name)
		}
	}
	index := make(map[string]int, len(m.Fields))
	keys := make(map[string]string, len(m.Fields))
	for i := range m.Fields {
		f := &m.Fields[i]
		if f.Name == "" {
			return Configurationf("class %s has a field without name", m.Name)
		}
		if _, ok := index[f.Name]; ok {
			return Configurationf("class %s maps field %s twice", m.Name, f.Name)
		}
		index[f.Name] = i
		if other, ok := keys[f.Key()]; ok {
			return Configurationf("class %s maps fields %s and %s to the same storage name %s", m.Name, other, f.Name, f.Key())
		}
		keys[f.Key()] = f.Name
		if f.Key() == IDKey && f.Name != m.IDField {
			return Configurationf("class %s field %s uses the reserved storage name %s", m.Name, f.Name, IDKey)
		}
		if f.Get == nil || f.Set == nil {
			return Configurationf("class %s field %s has no accessors", m.Name, f.Name)
		}
		if f.Kind.IsRelation() && f.TargetClass == "" {
			return Configurationf("class %s relation %s has no target class", m.Name, f.Name)
		}
		if f.Kind.IsCollection() && f.NewCollection == nil {
			return Configurationf("class %s collection %s has no collection constructor", m.Name, f.Name)
		}
		if f.Kind == ReferenceOne && f.NewReference == nil {
			return Configurationf("class %s reference %s has no reference constructor", m.Name, f.Name)
		}
		if f.MappedBy != "" && f.Kind != ReferenceMany {
			return Configurationf("class %s field %s: only reference collections can be inverse", m.Name, f.Name)
		}
		if f.Kind.IsEmbedded() && f.Cascade != CascadeNone {
			return Configurationf("class %s embedded field %s can't declare cascades", m.Name, f.Name)
		}
	}
	for _, special := range []struct {
		field string
		role  string
	}{{m.IDField, "identifier"}, {m.VersionField, "version"}, {m.LockField, "lock"}} {
		if special.field == "" {
			continue
		}
		i, ok := index[special.field]
		if !ok {
			return Configurationf("class %s %s field %s is not mapped", m.Name, special.role, special.field)
		}
		if m.Fields[i].Kind != ScalarField {
			return Configurationf("class %s %s field %s must be a scalar", m.Name, special.role, special.field)
		}
	}
	if (m.VersionField == "") != (m.VersionType == VersionNone) {
		return Configurationf("class %s must declare both a version field and a version type", m.Name)
	}
	m.index = index
	return nil
}

func (m *ClassMetadata) String() string {
	return fmt.Sprintf("class %s", m.Name)
}
