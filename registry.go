package odm

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry is the in process MetadataProvider. Classes are validated on Register and their
// relations on first GetMetadata.
type Registry struct {
	lock     sync.RWMutex
	classes  map[string]*ClassMetadata
	types    map[reflect.Type]string
	order    []string
	resolved map[string]bool
}

// NewRegistry returns a registry holding metas.
func NewRegistry(metas ...*ClassMetadata) (*Registry, error) {
	r := &Registry{
		classes:  make(map[string]*ClassMetadata),
		types:    make(map[reflect.Type]string),
		resolved: make(map[string]bool),
	}
	if err := r.Register(metas...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register validates and adds classes.
func (r *Registry) Register(metas ...*ClassMetadata) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, m := range metas {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, ok := r.classes[m.Name]; ok {
			return Configurationf("class %s is already registered", m.Name)
		}
		t := reflect.TypeOf(m.New())
		if t == nil || t.Kind() != reflect.Pointer {
			return Configurationf("class %s constructor must return a pointer", m.Name)
		}
		if other, ok := r.types[t]; ok {
			return Configurationf("class %s and %s share the Go type %s", other, m.Name, t)
		}
		r.classes[m.Name] = m
		r.types[t] = m.Name
		r.order = append(r.order, m.Name)
	}
	return nil
}

// GetMetadata returns the metadata of class after checking its relations.
func (r *Registry) GetMetadata(class string) (*ClassMetadata, error) {
	r.lock.RLock()
	m, ok := r.classes[class]
	resolved := r.resolved[class]
	r.lock.RUnlock()
	if !ok {
		return nil, Configurationf("class %s is not mapped", class)
	}
	if resolved {
		return m, nil
	}
	if err := r.validateRelations(m); err != nil {
		return nil, err
	}
	r.lock.Lock()
	r.resolved[class] = true
	r.lock.Unlock()
	return m, nil
}

// ClassOf returns the class name registered for the Go type of obj.
func (r *Registry) ClassOf(obj any) (string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if name, ok := r.types[reflect.TypeOf(obj)]; ok {
		return name, nil
	}
	return "", Configurationf("type %T is not mapped", obj)
}

// MetadataOf returns the metadata of obj's class.
func (r *Registry) MetadataOf(obj any) (*ClassMetadata, error) {
	class, err := r.ClassOf(obj)
	if err != nil {
		return nil, err
	}
	return r.GetMetadata(class)
}

// Classes returns the registered class names in registration order.
func (r *Registry) Classes() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) validateRelations(m *ClassMetadata) error {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if m.RootName != "" && m.RootName != m.Name {
		root, ok := r.classes[m.RootName]
		if !ok {
			return Configurationf("class %s has unknown root class %s", m.Name, m.RootName)
		}
		if root.Collection != m.Collection {
			return Configurationf("class %s must share collection %s with its root %s", m.Name, root.Collection, root.Name)
		}
	}
	for i := range m.Fields {
		f := &m.Fields[i]
		if !f.Kind.IsRelation() {
			continue
		}
		target, ok := r.classes[f.TargetClass]
		if !ok {
			return Configurationf("class %s relation %s targets unknown class %s", m.Name, f.Name, f.TargetClass)
		}
		if f.Kind.IsEmbedded() && !target.Embedded {
			return Configurationf("class %s field %s embeds %s which is not an embedded class", m.Name, f.Name, target.Name)
		}
		if f.Kind.IsReference() && target.Embedded {
			return Configurationf("class %s field %s references embedded class %s", m.Name, f.Name, target.Name)
		}
		if f.IsInverse() {
			owning, ok := target.Field(f.MappedBy)
			if !ok || !owning.IsOwningReference() {
				return Configurationf("class %s inverse field %s: %s.%s is not an owning reference", m.Name, f.Name, target.Name, f.MappedBy)
			}
			if owning.TargetClass != m.Name && owning.TargetClass != m.Root() {
				return Configurationf("class %s inverse field %s: %s.%s targets %s", m.Name, f.Name, target.Name, f.MappedBy, owning.TargetClass)
			}
		}
	}
	return nil
}

func (r *Registry) String() string {
	return fmt.Sprintf("registry of %d classes", len(r.Classes()))
}
