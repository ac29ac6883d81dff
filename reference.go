package odm

import (
	"context"
	"fmt"
)

// Resolver loads the managed instance of a document by class and identifier.
type Resolver interface {
	Resolve(ctx context.Context, class string, id any) (any, error)
}

// ReferenceHandle is the untyped view of a to-one reference used by the Unit of Work.
type ReferenceHandle interface {
	// Object returns the target instance, nil until resolved.
	Object() any
	// ID returns the identifier the reference was loaded with, nil for references built from a target.
	ID() any
	IsResolved() bool
	ResolveObject(ctx context.Context) (any, error)
	Bind(class string, resolver Resolver)
}

// Reference is an explicit to-one reference. It carries either a target instance or the
// identifier of a stored document, loaded on Resolve.
type Reference[T any] struct {
	target   *T
	id       any
	class    string
	resolver Resolver
}

// RefTo returns a reference to target.
func RefTo[T any](target *T) *Reference[T] {
	return &Reference[T]{target: target}
}

// RefID returns an unresolved reference to the stored document with identifier id.
func RefID[T any](id any) *Reference[T] {
	return &Reference[T]{id: id}
}

// Target returns the target instance, nil until resolved.
func (r *Reference[T]) Target() *T {
	if r == nil {
		return nil
	}
	return r.target
}

// Resolve loads the target through the bound session if needed.
func (r *Reference[T]) Resolve(ctx context.Context) (*T, error) {
	if r == nil {
		return nil, nil
	}
	if r.target != nil {
		return r.target, nil
	}
	if r.id == nil {
		return nil, ErrUnresolvedReference
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("reference to %s %v is not bound to a session: %w", r.class, r.id, ErrUnresolvedReference)
	}
	obj, err := r.resolver.Resolve(ctx, r.class, r.id)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*T)
	if !ok {
		return nil, Error{Code: CascadeError, Err: fmt.Errorf("reference to %s %v resolved to %T", r.class, r.id, obj)}
	}
	r.target = t
	return t, nil
}

func (r *Reference[T]) Object() any {
	if r == nil || r.target == nil {
		return nil
	}
	return r.target
}

func (r *Reference[T]) ID() any {
	if r == nil {
		return nil
	}
	return r.id
}

func (r *Reference[T]) IsResolved() bool {
	return r != nil && r.target != nil
}

func (r *Reference[T]) ResolveObject(ctx context.Context) (any, error) {
	t, err := r.Resolve(ctx)
	if err != nil || t == nil {
		return nil, err
	}
	return t, nil
}

func (r *Reference[T]) Bind(class string, resolver Resolver) {
	r.class = class
	r.resolver = resolver
}
