package common

import (
	"context"
	"reflect"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/sharedcode/odm"
)

// collectionState is the snapshot entry of a top level collection field: the instance
// that was synchronized and how many elements storage held for it.
type collectionState struct {
	coll   odm.PersistentCollection
	stored int
}

// snapshotStore holds the last synchronized state of managed objects and of the
// elements of their embedded collections.
type snapshotStore struct {
	objects map[any]odm.Snapshot
	// elements holds element snapshots by owner, then by field name.
	elements map[any]map[string]map[any]odm.Snapshot
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{
		objects:  make(map[any]odm.Snapshot),
		elements: make(map[any]map[string]map[any]odm.Snapshot),
	}
}

func (s *snapshotStore) get(obj any) (odm.Snapshot, bool) {
	snap, ok := s.objects[obj]
	return snap, ok
}

func (s *snapshotStore) set(obj any, snap odm.Snapshot) {
	s.objects[obj] = snap
}

// remove drops the snapshot of obj along with those of its collection elements.
func (s *snapshotStore) remove(obj any) {
	delete(s.objects, obj)
	delete(s.elements, obj)
}

func (s *snapshotStore) element(owner any, field string, el any) (odm.Snapshot, bool) {
	snap, ok := s.elements[owner][field][el]
	return snap, ok
}

// setElements replaces the element snapshots of one collection field of owner.
func (s *snapshotStore) setElements(owner any, field string, snaps map[any]odm.Snapshot) {
	byField := s.elements[owner]
	if len(snaps) == 0 {
		delete(byField, field)
		if len(byField) == 0 {
			delete(s.elements, owner)
		}
		return
	}
	if byField == nil {
		byField = make(map[string]map[any]odm.Snapshot)
		s.elements[owner] = byField
	}
	byField[field] = snaps
}

func (s *snapshotStore) dropElements(owner any) {
	delete(s.elements, owner)
}

// elementCount returns the number of element snapshots held for every owner.
func (s *snapshotStore) elementCount() int {
	n := 0
	for _, byField := range s.elements {
		for _, snaps := range byField {
			n += len(snaps)
		}
	}
	return n
}

// takeSnapshot records the current state of obj. Top level collections are recorded by
// instance; nested ones by content since they are written with their embedding document.
func (u *UnitOfWork) takeSnapshot(meta *odm.ClassMetadata, obj any, nested bool) (odm.Snapshot, error) {
	snap := make(odm.Snapshot, len(meta.Fields))
	for i := range meta.Fields {
		f := &meta.Fields[i]
		v, err := u.snapshotValue(f, obj, nested)
		if err != nil {
			return nil, err
		}
		snap[f.Name] = v
	}
	return snap, nil
}

// snapshotValue returns the comparable state of one field.
func (u *UnitOfWork) snapshotValue(f *odm.FieldMapping, obj any, nested bool) (any, error) {
	v := f.Get(obj)
	switch f.Kind {
	case odm.ScalarField:
		return cloneValue(v)
	case odm.EmbedOne:
		if v == nil {
			return nil, nil
		}
		target, err := u.provider.GetMetadata(f.TargetClass)
		if err != nil {
			return nil, err
		}
		return u.takeSnapshot(target, v, true)
	case odm.ReferenceOne:
		if v == nil {
			return nil, nil
		}
		return u.referenceIdentity(f, v.(odm.ReferenceHandle))
	}
	// Collections.
	c, _ := v.(odm.PersistentCollection)
	if !nested {
		if c == nil {
			return collectionState{}, nil
		}
		return collectionState{coll: c, stored: storedCount(c)}, nil
	}
	if c == nil || f.IsInverse() {
		return nil, nil
	}
	if f.Kind == odm.ReferenceMany && !c.IsInitialized() {
		target, err := u.provider.GetMetadata(f.TargetClass)
		if err != nil {
			return nil, err
		}
		raw, _ := c.Raw().([]any)
		ids := make([]any, 0, len(raw))
		for _, id := range raw {
			ids = append(ids, odm.Identity{Class: target.Root(), ID: odm.NormalizeID(id)})
		}
		return ids, nil
	}
	// Embedded payloads load without storage access.
	if err := c.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return u.elementsState(f, c.Elements())
}

// elementsState returns the content of collection elements: snapshots for embedded
// documents and identities for references.
func (u *UnitOfWork) elementsState(f *odm.FieldMapping, elements []any) ([]any, error) {
	r := make([]any, 0, len(elements))
	if f.Kind == odm.EmbedMany {
		target, err := u.provider.GetMetadata(f.TargetClass)
		if err != nil {
			return nil, err
		}
		for _, e := range elements {
			s, err := u.takeSnapshot(target, e, true)
			if err != nil {
				return nil, err
			}
			r = append(r, s)
		}
		return r, nil
	}
	for _, e := range elements {
		id, err := u.objectIdentity(f.TargetClass, e)
		if err != nil {
			return nil, err
		}
		r = append(r, id)
	}
	return r, nil
}

func storedCount(c odm.PersistentCollection) int {
	if c.IsInitialized() {
		return len(c.SnapshotElements())
	}
	raw, _ := c.Raw().([]any)
	return len(raw)
}

// referenceIdentity returns the identity token of a to-one reference target.
func (u *UnitOfWork) referenceIdentity(f *odm.FieldMapping, ref odm.ReferenceHandle) (any, error) {
	if target := ref.Object(); target != nil {
		return u.objectIdentity(f.TargetClass, target)
	}
	if ref.ID() == nil {
		return nil, nil
	}
	meta, err := u.provider.GetMetadata(f.TargetClass)
	if err != nil {
		return nil, err
	}
	return odm.Identity{Class: meta.Root(), ID: odm.NormalizeID(ref.ID())}, nil
}

// objectIdentity returns the identity token of a related object.
func (u *UnitOfWork) objectIdentity(class string, obj any) (odm.Identity, error) {
	meta, err := u.metadataOf(obj)
	if err != nil {
		meta, err = u.provider.GetMetadata(class)
		if err != nil {
			return odm.Identity{}, err
		}
	}
	if e, ok := u.entries[obj]; ok && e.id != nil {
		return odm.Identity{Class: meta.Root(), ID: e.id}, nil
	}
	if id := meta.GetID(obj); id != nil {
		return odm.Identity{Class: meta.Root(), ID: odm.NormalizeID(id)}, nil
	}
	return odm.Identity{Class: meta.Root(), Object: obj}, nil
}

// snapshotElements records the content of the elements of an embedded collection held by
// field f of owner, replacing what was recorded for that field.
func (u *UnitOfWork) snapshotElements(owner any, f *odm.FieldMapping, c odm.PersistentCollection) error {
	if f.Kind != odm.EmbedMany {
		return nil
	}
	if c == nil || !c.IsInitialized() {
		u.snapshots.setElements(owner, f.Name, nil)
		return nil
	}
	target, err := u.provider.GetMetadata(f.TargetClass)
	if err != nil {
		return err
	}
	snaps := make(map[any]odm.Snapshot, len(c.Elements()))
	for _, e := range c.Elements() {
		s, err := u.takeSnapshot(target, e, true)
		if err != nil {
			return err
		}
		snaps[e] = s
	}
	u.snapshots.setElements(owner, f.Name, snaps)
	return nil
}

// valuesEqual compares two snapshot values.
func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case odm.Snapshot:
		bv, ok := b.(odm.Snapshot)
		return ok && snapshotsEqual(av, bv)
	case odm.Identity:
		bv, ok := b.(odm.Identity)
		return ok && av.Equal(bv)
	case collectionState:
		bv, ok := b.(collectionState)
		return ok && av.coll == bv.coll
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	if _, ok := b.(odm.Snapshot); ok {
		return false
	}
	if _, ok := b.(odm.Identity); ok {
		return false
	}
	return odm.EqualValues(a, b)
}

func snapshotsEqual(a, b odm.Snapshot) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(av, bv) {
			return false
		}
	}
	return true
}

// cloneValue deep copies slices and maps so later in place edits show up as changes.
func cloneValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if _, ok := v.(time.Time); ok {
		return v, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
	default:
		return v, nil
	}
	src := reflect.New(rv.Type())
	src.Elem().Set(rv)
	dst := reflect.New(rv.Type())
	if err := deepcopy.Copy(dst.Interface(), src.Interface()); err != nil {
		return nil, err
	}
	return dst.Elem().Interface(), nil
}
