package odm

import (
	"testing"
)

type regUser struct {
	ID      string
	Version int
	Address *regAddress
	Friends *Collection[*regUser]
	Boss    *Reference[regUser]
}

type regAddress struct {
	City string
}

func regUserMeta() *ClassMetadata {
	return &ClassMetadata{
		Name:         "User",
		Collection:   "users",
		IDField:      "id",
		VersionField: "version",
		VersionType:  VersionInt,
		New:          func() any { return &regUser{} },
		Fields: []FieldMapping{
			Scalar("id", func(u *regUser) string { return u.ID }, func(u *regUser, v string) { u.ID = v }),
			Scalar("version", func(u *regUser) int { return u.Version }, func(u *regUser, v int) { u.Version = v }),
			EmbedOneField("address", "Address", func(u *regUser) *regAddress { return u.Address },
				func(u *regUser, v *regAddress) { u.Address = v }),
			ReferenceManyField("friends", "User", func(u *regUser) *Collection[*regUser] { return u.Friends },
				func(u *regUser, v *Collection[*regUser]) { u.Friends = v }),
			ReferenceOneField("boss", "User", func(u *regUser) *Reference[regUser] { return u.Boss },
				func(u *regUser, v *Reference[regUser]) { u.Boss = v }).WithCascade(CascadePersist | CascadeRemove),
		},
	}
}

func regAddressMeta() *ClassMetadata {
	return &ClassMetadata{
		Name:     "Address",
		Embedded: true,
		New:      func() any { return &regAddress{} },
		Fields: []FieldMapping{
			Scalar("city", func(a *regAddress) string { return a.City }, func(a *regAddress, v string) { a.City = v }),
		},
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(regUserMeta(), regAddressMeta())
	if err != nil {
		t.Fatal(err)
	}
	class, err := r.ClassOf(&regUser{})
	if err != nil || class != "User" {
		t.Fatalf("unexpected class %q %v", class, err)
	}
	if _, err := r.ClassOf(regUser{}); CodeOf(err) != ConfigurationError {
		t.Errorf("expected non pointer type unmapped, got %v", err)
	}
	m, err := r.MetadataOf(&regUser{})
	if err != nil || m.Name != "User" {
		t.Fatalf("unexpected metadata %v %v", m, err)
	}
	if f, ok := m.Field("boss"); !ok || f.Cascade.String() != "persist|remove" {
		t.Errorf("unexpected boss mapping %+v", f)
	}
	if got := r.Classes(); len(got) != 2 || got[0] != "User" {
		t.Errorf("unexpected classes %v", got)
	}
	if err := r.Register(regAddressMeta()); CodeOf(err) != ConfigurationError {
		t.Errorf("expected duplicate class error, got %v", err)
	}
}

func TestMetadataIdentifierAndVersion(t *testing.T) {
	m := regUserMeta()
	if err := m.Validate(); err != nil {
		t.Fatal(err)
	}
	u := &regUser{}
	if m.GetID(u) != nil || m.GetVersion(u) != nil {
		t.Errorf("zero identifier and version must read as nil")
	}
	if err := m.SetID(u, "abc"); err != nil || m.GetID(u) != "abc" {
		t.Errorf("unexpected identifier %v %v", m.GetID(u), err)
	}
	if next := m.NextVersion(nil); next != int64(1) {
		t.Errorf("expected first version 1, got %v", next)
	}
	if next := m.NextVersion(int32(4)); next != int64(5) {
		t.Errorf("expected version 5, got %v", next)
	}
	if m.IsTracked("id") || m.IsTracked("version") || !m.IsTracked("boss") {
		t.Errorf("unexpected tracked fields")
	}
}

func TestMetadataValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m *ClassMetadata)
	}{
		{"no name", func(m *ClassMetadata) { m.Name = "" }},
		{"no collection", func(m *ClassMetadata) { m.Collection = "" }},
		{"no identifier", func(m *ClassMetadata) { m.IDField = "" }},
		{"unmapped version", func(m *ClassMetadata) { m.VersionField = "rev" }},
		{"version without type", func(m *ClassMetadata) { m.VersionType = VersionNone }},
		{"duplicate field", func(m *ClassMetadata) { m.Fields = append(m.Fields, m.Fields[0]) }},
		{"reserved key", func(m *ClassMetadata) { m.Fields[1] = m.Fields[1].WithStorageName(IDKey) }},
		{"shared key", func(m *ClassMetadata) { m.Fields[1] = m.Fields[1].WithStorageName("address") }},
		{"embedded cascade", func(m *ClassMetadata) { m.Fields[2] = m.Fields[2].WithCascade(CascadeAll) }},
		{"inverse to-one", func(m *ClassMetadata) { m.Fields[4].MappedBy = "boss" }},
		{"relation identifier", func(m *ClassMetadata) { m.IDField = "boss" }},
	}
	for _, c := range cases {
		m := regUserMeta()
		c.mutate(m)
		if err := m.Validate(); CodeOf(err) != ConfigurationError {
			t.Errorf("%s: expected configuration error, got %v", c.name, err)
		}
	}
}

func TestRegistryRelations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m *ClassMetadata)
	}{
		{"unknown target", func(m *ClassMetadata) { m.Fields[4].TargetClass = "Nope" }},
		{"embedding a document", func(m *ClassMetadata) { m.Fields[2].TargetClass = "User" }},
		{"referencing embedded", func(m *ClassMetadata) { m.Fields[4].TargetClass = "Address" }},
		{"unknown root", func(m *ClassMetadata) { m.RootName = "Base" }},
		{"inverse of scalar", func(m *ClassMetadata) {
			f := InverseField("followers", "User", "version", func(u *regUser) *Collection[*regUser] { return u.Friends },
				func(u *regUser, v *Collection[*regUser]) { u.Friends = v })
			m.Fields = append(m.Fields, f)
		}},
	}
	for _, c := range cases {
		m := regUserMeta()
		c.mutate(m)
		r, err := NewRegistry(m, regAddressMeta())
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if _, err := r.GetMetadata("User"); CodeOf(err) != ConfigurationError {
			t.Errorf("%s: expected configuration error, got %v", c.name, err)
		}
	}
}
