package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/hydrator"
)

// Find returns the managed instance of class with id. The identity map is consulted first so
// that a session never holds two instances of one document.
func (u *UnitOfWork) Find(ctx context.Context, class string, id any) (any, error) {
	meta, err := u.provider.GetMetadata(class)
	if err != nil {
		return nil, err
	}
	if odm.IsZeroValue(id) {
		return nil, fmt.Errorf("find %s without identifier: %w", class, odm.ErrNotFound)
	}
	if obj, ok := u.identities.lookup(meta.Root(), id); ok {
		if u.GetState(obj) == odm.StateRemoved {
			return nil, fmt.Errorf("%s %v is removed: %w", class, id, odm.ErrNotFound)
		}
		return obj, nil
	}
	doc, err := u.driver.Find(ctx, meta, id)
	if err != nil {
		return nil, err
	}
	return u.load(ctx, meta, doc)
}

// Resolve implements odm.Resolver for the references of loaded objects.
func (u *UnitOfWork) Resolve(ctx context.Context, class string, id any) (any, error) {
	return u.Find(ctx, class, id)
}

// Find is the typed form of UnitOfWork.Find.
func Find[T any](ctx context.Context, u odm.UnitOfWork, class string, id any) (*T, error) {
	obj, err := u.Find(ctx, class, id)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("%s %v is a %T, not a %T", class, id, obj, &zero)
	}
	return t, nil
}

// load makes the object stored as doc managed, reusing the instance already in the identity map.
func (u *UnitOfWork) load(ctx context.Context, meta *odm.ClassMetadata, doc odm.Document) (any, error) {
	id := doc[odm.IDKey]
	if id == nil {
		return nil, fmt.Errorf("%s document without %s", meta.Name, odm.IDKey)
	}
	if obj, ok := u.identities.lookup(meta.Root(), id); ok {
		return obj, nil
	}
	obj, err := u.hydrator.FromDocument(meta, doc)
	if err != nil {
		return nil, err
	}
	if err := u.identities.register(meta.Root(), id, obj); err != nil {
		return nil, err
	}
	e := u.track(meta, obj, odm.StateManaged)
	e.id = odm.NormalizeID(id)
	if err := u.synchronize(ctx, meta, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// synchronize binds the relations of a freshly hydrated managed object and takes its snapshot.
func (u *UnitOfWork) synchronize(ctx context.Context, meta *odm.ClassMetadata, obj any) error {
	u.snapshots.dropElements(obj)
	if err := u.bind(meta, obj); err != nil {
		return err
	}
	snap, err := u.takeSnapshot(meta, obj, false)
	if err != nil {
		return err
	}
	u.snapshots.set(obj, snap)
	delete(u.changeSets, obj)
	return u.dispatch(ctx, odm.PostLoad, meta, obj)
}

// bind attaches references and collections of obj to the session so they load on demand.
func (u *UnitOfWork) bind(meta *odm.ClassMetadata, obj any) error {
	for i := range meta.Fields {
		f := &meta.Fields[i]
		v := f.Get(obj)
		if v == nil {
			continue
		}
		switch f.Kind {
		case odm.ReferenceOne:
			v.(odm.ReferenceHandle).Bind(f.TargetClass, u)
		case odm.EmbedOne:
			target, err := u.provider.GetMetadata(f.TargetClass)
			if err != nil {
				return err
			}
			if err := u.bind(target, v); err != nil {
				return err
			}
		case odm.EmbedMany, odm.ReferenceMany:
			c := v.(odm.PersistentCollection)
			c.SetOwner(obj, f)
			c.SetLoader(u.loadCollection)
		}
	}
	return nil
}

// loadCollection is the loader of collections of managed objects. Embedded collections build
// their elements from the stored payload, owning references load each identifier and inverse
// references query the documents pointing at the owner.
func (u *UnitOfWork) loadCollection(ctx context.Context, c odm.PersistentCollection) ([]any, error) {
	f := c.Mapping()
	if f == nil {
		return nil, fmt.Errorf("collection without owner mapping can't be loaded")
	}
	target, err := u.provider.GetMetadata(f.TargetClass)
	if err != nil {
		return nil, err
	}
	raw, _ := c.Raw().([]any)
	var elements []any
	switch {
	case f.Kind == odm.EmbedMany:
		snaps := make(map[any]odm.Snapshot, len(raw))
		for _, item := range raw {
			d, ok := hydrator.AsDocument(item)
			if !ok {
				return nil, fmt.Errorf("%s holds %T, not an embedded %s", f.Name, item, target.Name)
			}
			el, err := u.hydrator.FromDocument(target, d)
			if err != nil {
				return nil, err
			}
			if err := u.bind(target, el); err != nil {
				return nil, err
			}
			s, err := u.takeSnapshot(target, el, true)
			if err != nil {
				return nil, err
			}
			snaps[el] = s
			elements = append(elements, el)
		}
		// Collections nested in embedded documents are compared by content with their owner.
		if _, ok := u.entries[c.Owner()]; ok {
			u.snapshots.setElements(c.Owner(), f.Name, snaps)
		}
	case f.IsInverse():
		finder, ok := u.driver.(odm.ReferenceFinder)
		if !ok {
			return nil, odm.Configurationf("storage driver %T can't load inverse relation %s", u.driver, f.Name)
		}
		owner, ok := u.entries[c.Owner()]
		if !ok || owner.id == nil {
			return nil, nil
		}
		mapped, ok := target.Field(f.MappedBy)
		if !ok {
			return nil, odm.Configurationf("%s.%s is mapped by unknown field %s", owner.meta.Name, f.Name, f.MappedBy)
		}
		docs, err := finder.FindReferencing(ctx, target, mapped.Key(), owner.id)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			el, err := u.load(ctx, target, d)
			if err != nil {
				return nil, err
			}
			elements = append(elements, el)
		}
	default:
		for _, id := range raw {
			el, err := u.Find(ctx, target.Name, id)
			if errors.Is(err, odm.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			elements = append(elements, el)
		}
	}
	return elements, nil
}

// Refresh overwrites obj with its stored state, discarding pending changes, and cascades to
// related managed objects whose relation carries refresh.
func (u *UnitOfWork) Refresh(ctx context.Context, obj any) error {
	return u.refresh(ctx, obj, make(map[any]struct{}))
}

func (u *UnitOfWork) refresh(ctx context.Context, obj any, visited map[any]struct{}) error {
	if _, ok := visited[obj]; ok {
		return nil
	}
	visited[obj] = struct{}{}
	e, ok := u.entries[obj]
	if !ok || e.state != odm.StateManaged {
		return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("refresh: %w", odm.ErrNotManaged)}
	}
	if u.insertions.has(obj) {
		return odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("refresh: %s is not stored yet", e.meta.Name)}
	}
	// Related objects are collected before hydration replaces the relations.
	var related []any
	if err := u.cascadeRelated(ctx, e.meta, obj, odm.CascadeRefresh, false, func(_ *odm.FieldMapping, target any) error {
		related = append(related, target)
		return nil
	}); err != nil {
		return err
	}
	doc, err := u.driver.Find(ctx, e.meta, e.id)
	if err != nil {
		return err
	}
	u.updates.remove(obj)
	u.unscheduleCollectionsOf(obj)
	if err := u.hydrator.Hydrate(e.meta, obj, doc); err != nil {
		return err
	}
	if err := u.synchronize(ctx, e.meta, obj); err != nil {
		return err
	}
	for _, target := range related {
		if u.GetState(target) != odm.StateManaged || u.insertions.has(target) {
			continue
		}
		if err := u.refresh(ctx, target, visited); err != nil {
			return err
		}
	}
	return nil
}
