package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharedcode/odm"
)

// Merge copies the state of obj onto the managed instance with the same identity and returns
// that instance. The instance is loaded from storage when the session does not hold it, or
// created and persisted when storage does not know the identifier either. obj itself is never
// attached to the session.
func (u *UnitOfWork) Merge(ctx context.Context, obj any) (any, error) {
	return u.merge(ctx, obj, make(map[any]any))
}

func (u *UnitOfWork) merge(ctx context.Context, obj any, visited map[any]any) (any, error) {
	if managed, ok := visited[obj]; ok {
		return managed, nil
	}
	meta, err := u.metadataOf(obj)
	if err != nil {
		return nil, err
	}
	if meta.Embedded {
		return nil, odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("embedded class %s can't be merged on its own", meta.Name)}
	}
	if u.GetState(obj) == odm.StateManaged {
		visited[obj] = obj
		err := u.cascadeRelated(ctx, meta, obj, odm.CascadeMerge, false, func(_ *odm.FieldMapping, target any) error {
			_, err := u.merge(ctx, target, visited)
			return err
		})
		return obj, err
	}

	var managed any
	id := meta.GetID(obj)
	if id != nil {
		if existing, ok := u.identities.lookup(meta.Root(), id); ok {
			managed = existing
		} else {
			doc, err := u.driver.Find(ctx, meta, id)
			switch {
			case err == nil:
				if managed, err = u.load(ctx, meta, doc); err != nil {
					return nil, err
				}
			case !errors.Is(err, odm.ErrNotFound):
				return nil, err
			}
		}
	}
	if managed != nil && u.GetState(managed) == odm.StateRemoved {
		return nil, odm.Error{Code: odm.InvalidState, Err: fmt.Errorf("can't merge into removed %s %v", meta.Name, id)}
	}
	isNew := managed == nil
	if isNew {
		managed = meta.New()
		if id != nil {
			if err := meta.SetID(managed, id); err != nil {
				return nil, err
			}
		}
	} else if meta.IsVersioned() {
		if v := meta.GetVersion(obj); v != nil && !odm.EqualValues(v, meta.GetVersion(managed)) {
			return nil, odm.Error{
				Code:     odm.ConcurrencyConflict,
				Err:      fmt.Errorf("merging %s %v at version %v over version %v: %w", meta.Name, id, v, meta.GetVersion(managed), odm.ErrVersionConflict),
				UserData: id,
			}
		}
	}
	visited[obj] = managed
	if err := u.copyFields(ctx, meta, obj, managed, isNew, visited); err != nil {
		return nil, err
	}
	if isNew {
		if err := u.persist(ctx, managed, make(map[any]struct{})); err != nil {
			return nil, err
		}
	}
	return managed, nil
}

// copyFields copies the mapped state of src onto dst. Embedded documents are copied, references
// point at managed instances. Collections not loaded in src are left untouched in dst.
func (u *UnitOfWork) copyFields(ctx context.Context, meta *odm.ClassMetadata, src, dst any, isNew bool, visited map[any]any) error {
	for i := range meta.Fields {
		f := &meta.Fields[i]
		if !meta.Embedded && f.Name == meta.IDField {
			continue
		}
		if f.Name == meta.VersionField && !isNew {
			continue
		}
		if err := u.copyField(ctx, f, src, dst, visited); err != nil {
			return fmt.Errorf("merge %s.%s: %w", meta.Name, f.Name, err)
		}
	}
	return nil
}

func (u *UnitOfWork) copyField(ctx context.Context, f *odm.FieldMapping, src, dst any, visited map[any]any) error {
	v := f.Get(src)
	switch f.Kind {
	case odm.ScalarField:
		c, err := cloneValue(v)
		if err != nil {
			return err
		}
		return f.Set(dst, c)
	case odm.EmbedOne:
		if v == nil {
			return f.Set(dst, nil)
		}
		e, err := u.copyEmbedded(ctx, f, v, visited)
		if err != nil {
			return err
		}
		return f.Set(dst, e)
	case odm.ReferenceOne:
		if v == nil {
			return f.Set(dst, nil)
		}
		ref := v.(odm.ReferenceHandle)
		target := ref.Object()
		if target == nil {
			r := f.NewReference(nil, ref.ID())
			r.Bind(f.TargetClass, u)
			return f.Set(dst, r)
		}
		m, err := u.mergeRelated(ctx, f, target, visited)
		if err != nil {
			return err
		}
		return f.Set(dst, f.NewReference(m, nil))
	}

	if f.IsInverse() {
		return nil
	}
	c, _ := v.(odm.PersistentCollection)
	if c == nil || !c.IsInitialized() {
		return nil
	}
	elements := make([]any, 0, len(c.Elements()))
	for _, el := range c.Elements() {
		var (
			m   any
			err error
		)
		if f.Kind == odm.EmbedMany {
			m, err = u.copyEmbedded(ctx, f, el, visited)
		} else {
			m, err = u.mergeRelated(ctx, f, el, visited)
		}
		if err != nil {
			return err
		}
		elements = append(elements, m)
	}
	dc, _ := f.Get(dst).(odm.PersistentCollection)
	if dc == nil {
		dc = f.NewCollection()
		if err := f.Set(dst, dc); err != nil {
			return err
		}
	}
	if err := dc.Initialize(ctx); err != nil {
		return err
	}
	return dc.ReplaceElements(elements)
}

// copyEmbedded returns a copy of an embedded document of the class targeted by f.
func (u *UnitOfWork) copyEmbedded(ctx context.Context, f *odm.FieldMapping, src any, visited map[any]any) (any, error) {
	target, err := u.provider.GetMetadata(f.TargetClass)
	if err != nil {
		return nil, err
	}
	dst := target.New()
	if err := u.copyFields(ctx, target, src, dst, true, visited); err != nil {
		return nil, err
	}
	return dst, nil
}

// mergeRelated returns the object a merged reference should point at.
func (u *UnitOfWork) mergeRelated(ctx context.Context, f *odm.FieldMapping, target any, visited map[any]any) (any, error) {
	if f.Cascade.Has(odm.CascadeMerge) {
		return u.merge(ctx, target, visited)
	}
	if u.GetState(target) == odm.StateManaged {
		return target, nil
	}
	meta, err := u.metadataOf(target)
	if err != nil {
		return nil, err
	}
	if id := meta.GetID(target); id != nil {
		if existing, ok := u.identities.lookup(meta.Root(), id); ok {
			return existing, nil
		}
	}
	return target, nil
}
