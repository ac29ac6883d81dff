package odm

import (
	"context"
	"fmt"
)

// CollectionLoader fetches the elements of an uninitialized collection.
type CollectionLoader func(ctx context.Context, c PersistentCollection) ([]any, error)

// PersistentCollection is the untyped view of a to-many relation used by the Unit of Work.
type PersistentCollection interface {
	// Initialize loads the elements if not done yet and takes the initial snapshot.
	Initialize(ctx context.Context) error
	IsInitialized() bool
	// IsDirty compares the elements against the snapshot. Uninitialized collections are never dirty.
	IsDirty() bool
	// Len returns the number of elements, loading them first.
	Len() int
	// Elements returns the loaded elements without triggering a load.
	Elements() []any
	// SnapshotElements returns the elements recorded by the last snapshot.
	SnapshotElements() []any
	TakeSnapshot()
	SetSnapshot(elements []any)
	// ReplaceElements sets the elements and marks the collection initialized.
	ReplaceElements(elements []any) error

	Owner() any
	Mapping() *FieldMapping
	SetOwner(owner any, mapping *FieldMapping)
	SetLoader(loader CollectionLoader)
	// Raw is the stored payload the loader builds elements from.
	Raw() any
	SetRaw(raw any)
	// Err returns the sticky error of an implicit load.
	Err() error
}

// Collection is a lazily loaded, dirty tracked to-many relation.
type Collection[T any] struct {
	elements    []T
	snapshot    []T
	initialized bool
	owner       any
	mapping     *FieldMapping
	loader      CollectionLoader
	raw         any
	err         error
}

// NewCollection returns an initialized collection holding elements and an empty snapshot.
func NewCollection[T any](elements ...T) *Collection[T] {
	return &Collection[T]{
		elements:    append([]T(nil), elements...),
		initialized: true,
	}
}

func (c *Collection[T]) Initialize(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if c.loader != nil {
		loaded, err := c.loader(ctx, c)
		if err != nil {
			c.err = err
			return err
		}
		elements, err := convertElements[T](loaded)
		if err != nil {
			c.err = err
			return err
		}
		// Elements added before the load stay on top of the stored ones.
		c.elements = append(elements, c.elements...)
		c.snapshot = append([]T(nil), elements...)
	}
	c.initialized = true
	c.raw = nil
	c.err = nil
	return nil
}

func (c *Collection[T]) ensureLoaded() {
	if c.initialized {
		return
	}
	_ = c.Initialize(context.Background())
}

func (c *Collection[T]) IsInitialized() bool {
	return c.initialized
}

func (c *Collection[T]) IsDirty() bool {
	if !c.initialized {
		return false
	}
	if len(c.elements) != len(c.snapshot) {
		return true
	}
	for i := range c.elements {
		if !EqualValues(c.elements[i], c.snapshot[i]) {
			return true
		}
	}
	return false
}

func (c *Collection[T]) Len() int {
	c.ensureLoaded()
	return len(c.elements)
}

func (c *Collection[T]) Elements() []any {
	return toAny(c.elements)
}

func (c *Collection[T]) SnapshotElements() []any {
	return toAny(c.snapshot)
}

func (c *Collection[T]) TakeSnapshot() {
	c.snapshot = append([]T(nil), c.elements...)
}

func (c *Collection[T]) SetSnapshot(elements []any) {
	s, err := convertElements[T](elements)
	if err != nil {
		c.err = err
		return
	}
	c.snapshot = s
}

func (c *Collection[T]) ReplaceElements(elements []any) error {
	e, err := convertElements[T](elements)
	if err != nil {
		return err
	}
	c.elements = e
	c.initialized = true
	c.raw = nil
	return nil
}

func (c *Collection[T]) Owner() any {
	return c.owner
}

func (c *Collection[T]) Mapping() *FieldMapping {
	return c.mapping
}

func (c *Collection[T]) SetOwner(owner any, mapping *FieldMapping) {
	c.owner = owner
	c.mapping = mapping
}

func (c *Collection[T]) SetLoader(loader CollectionLoader) {
	c.loader = loader
}

func (c *Collection[T]) Raw() any {
	return c.raw
}

func (c *Collection[T]) SetRaw(raw any) {
	c.raw = raw
}

func (c *Collection[T]) Err() error {
	return c.err
}

// Add appends elements, loading the collection first.
func (c *Collection[T]) Add(elements ...T) {
	c.ensureLoaded()
	c.elements = append(c.elements, elements...)
}

// Get returns the element at i.
func (c *Collection[T]) Get(i int) (T, bool) {
	c.ensureLoaded()
	if i < 0 || i >= len(c.elements) {
		var zero T
		return zero, false
	}
	return c.elements[i], true
}

// Set replaces the element at i.
func (c *Collection[T]) Set(i int, element T) bool {
	c.ensureLoaded()
	if i < 0 || i >= len(c.elements) {
		return false
	}
	c.elements[i] = element
	return true
}

// IndexOf returns the position of element or -1.
func (c *Collection[T]) IndexOf(element T) int {
	c.ensureLoaded()
	for i := range c.elements {
		if EqualValues(c.elements[i], element) {
			return i
		}
	}
	return -1
}

// Contains reports whether element is part of the collection.
func (c *Collection[T]) Contains(element T) bool {
	return c.IndexOf(element) >= 0
}

// Remove removes the first occurrence of element.
func (c *Collection[T]) Remove(element T) bool {
	i := c.IndexOf(element)
	if i < 0 {
		return false
	}
	_, ok := c.RemoveAt(i)
	return ok
}

// RemoveAt removes and returns the element at i.
func (c *Collection[T]) RemoveAt(i int) (T, bool) {
	c.ensureLoaded()
	var zero T
	if i < 0 || i >= len(c.elements) {
		return zero, false
	}
	e := c.elements[i]
	c.elements = append(c.elements[:i:i], c.elements[i+1:]...)
	return e, true
}

// Clear removes all elements.
func (c *Collection[T]) Clear() {
	c.ensureLoaded()
	c.elements = nil
}

// All returns a copy of the elements.
func (c *Collection[T]) All() []T {
	c.ensureLoaded()
	return append([]T(nil), c.elements...)
}

func toAny[T any](elements []T) []any {
	r := make([]any, len(elements))
	for i := range elements {
		r[i] = elements[i]
	}
	return r
}

func convertElements[T any](elements []any) ([]T, error) {
	r := make([]T, 0, len(elements))
	for _, e := range elements {
		t, ok := e.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("collection element %T is not a %T", e, zero)
		}
		r = append(r, t)
	}
	return r, nil
}
