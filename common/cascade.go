package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharedcode/odm"
)

// cascadeRelated calls visit for every object reachable from obj through references carrying
// op, looking through embedded documents. CascadeNone visits every reference. With load,
// unresolved references and uninitialized collections are loaded first; otherwise only
// objects already in memory are visited.
func (u *UnitOfWork) cascadeRelated(ctx context.Context, meta *odm.ClassMetadata, obj any, op odm.CascadeType, load bool,
	visit func(f *odm.FieldMapping, target any) error) error {
	for i := range meta.Fields {
		f := &meta.Fields[i]
		v := f.Get(obj)
		if v == nil {
			continue
		}
		switch f.Kind {
		case odm.EmbedOne:
			target, err := u.provider.GetMetadata(f.TargetClass)
			if err != nil {
				return err
			}
			if err := u.cascadeRelated(ctx, target, v, op, load, visit); err != nil {
				return err
			}
		case odm.EmbedMany:
			c := v.(odm.PersistentCollection)
			if !c.IsInitialized() {
				if !load {
					continue
				}
				if err := c.Initialize(ctx); err != nil {
					return err
				}
			}
			target, err := u.provider.GetMetadata(f.TargetClass)
			if err != nil {
				return err
			}
			for _, el := range c.Elements() {
				if err := u.cascadeRelated(ctx, target, el, op, load, visit); err != nil {
					return err
				}
			}
		case odm.ReferenceOne:
			if !cascades(f, op) {
				continue
			}
			ref := v.(odm.ReferenceHandle)
			target := ref.Object()
			if target == nil && load && ref.ID() != nil {
				t, err := ref.ResolveObject(ctx)
				if errors.Is(err, odm.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				target = t
			}
			if target == nil {
				continue
			}
			if err := visit(f, target); err != nil {
				return err
			}
		case odm.ReferenceMany:
			if !cascades(f, op) {
				continue
			}
			c := v.(odm.PersistentCollection)
			if !c.IsInitialized() {
				if !load {
					continue
				}
				if err := c.Initialize(ctx); err != nil {
					return err
				}
			}
			for _, el := range c.Elements() {
				if err := visit(f, el); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func cascades(f *odm.FieldMapping, op odm.CascadeType) bool {
	if op == odm.CascadeNone {
		return f.IsOwningReference()
	}
	return f.Cascade.Has(op)
}

// cascadeScheduled expands the schedules to a fixed point: new objects reachable from scheduled
// writes are persisted when their relation cascades persist, and objects reachable from
// scheduled deletions are removed when their relation cascades remove. A new object reached
// through a relation without persist cascade fails the flush before any write.
func (u *UnitOfWork) cascadeScheduled(ctx context.Context) error {
	done := make(map[any]struct{})
	persisted := make(map[any]struct{})
	removed := make(map[any]struct{})
	for {
		progressed := false
		for _, obj := range append(u.insertions.items(), u.updates.items()...) {
			if _, ok := done[obj]; ok {
				continue
			}
			done[obj] = struct{}{}
			progressed = true
			e := u.entries[obj]
			if err := u.cascadeRelated(ctx, e.meta, obj, odm.CascadeNone, false, func(f *odm.FieldMapping, target any) error {
				return u.checkRelated(ctx, e, f, target, persisted)
			}); err != nil {
				return &odm.FlushError{Class: e.meta.Name, Operation: odm.OpCascade, Err: err}
			}
		}
		for _, obj := range u.deletions.items() {
			if _, ok := done[obj]; ok {
				continue
			}
			done[obj] = struct{}{}
			progressed = true
			e := u.entries[obj]
			if err := u.cascadeRelated(ctx, e.meta, obj, odm.CascadeRemove, true, func(_ *odm.FieldMapping, target any) error {
				return u.remove(ctx, target, removed)
			}); err != nil {
				return &odm.FlushError{Class: e.meta.Name, Operation: odm.OpCascade, Err: err}
			}
		}
		if !progressed {
			return nil
		}
	}
}

// checkRelated validates one reference of a document about to be written.
func (u *UnitOfWork) checkRelated(ctx context.Context, owner *entry, f *odm.FieldMapping, target any, persisted map[any]struct{}) error {
	switch u.GetState(target) {
	case odm.StateNew:
		if f.Cascade.Has(odm.CascadePersist) {
			if err := u.persist(ctx, target, persisted); err != nil {
				return err
			}
			if e, ok := u.entries[target]; ok {
				_, err := u.computeEntry(e)
				return err
			}
			return nil
		}
		return odm.Error{
			Code: odm.CascadeError,
			Err:  fmt.Errorf("%s.%s references a new %T not configured to cascade persist", owner.meta.Name, f.Name, target),
		}
	case odm.StateDetached:
		meta, err := u.metadataOf(target)
		if err != nil {
			return err
		}
		if meta.GetID(target) == nil {
			return odm.Error{
				Code: odm.CascadeError,
				Err:  fmt.Errorf("%s.%s references a detached %s without identifier", owner.meta.Name, f.Name, meta.Name),
			}
		}
	}
	return nil
}
