// Package hydrator converts mapped objects to storage documents and back using the
// field descriptors of their class metadata.
package hydrator

import (
	"fmt"
	"reflect"

	"github.com/sharedcode/odm"
)

// Hydrator is the descriptor driven odm.Hydrator.
type Hydrator struct {
	provider odm.MetadataProvider
}

// New returns a hydrator resolving embedded and referenced classes through provider.
func New(provider odm.MetadataProvider) *Hydrator {
	return &Hydrator{provider: provider}
}

// ToDocument returns the document of obj. Uninitialized collections keep their stored payload
// and inverse collections are omitted.
func (h *Hydrator) ToDocument(meta *odm.ClassMetadata, obj any) (odm.Document, error) {
	doc := make(odm.Document, len(meta.Fields))
	for i := range meta.Fields {
		f := &meta.Fields[i]
		if f.IsInverse() {
			continue
		}
		v, err := h.FieldValue(meta, f, obj)
		if err != nil {
			return nil, err
		}
		if h.isRootID(meta, f) {
			if v != nil {
				doc[odm.IDKey] = v
			}
			continue
		}
		if c, ok := f.Get(obj).(odm.PersistentCollection); ok && !c.IsInitialized() && c.Raw() == nil {
			continue
		}
		doc[f.Key()] = v
	}
	return doc, nil
}

// FieldValue returns the storage form of one field of obj.
func (h *Hydrator) FieldValue(meta *odm.ClassMetadata, f *odm.FieldMapping, obj any) (any, error) {
	v := f.Get(obj)
	switch f.Kind {
	case odm.ScalarField:
		if h.isRootID(meta, f) {
			return meta.GetID(obj), nil
		}
		return v, nil
	case odm.EmbedOne:
		if v == nil {
			return nil, nil
		}
		target, err := h.provider.GetMetadata(f.TargetClass)
		if err != nil {
			return nil, err
		}
		return h.ToDocument(target, v)
	case odm.ReferenceOne:
		if v == nil {
			return nil, nil
		}
		ref, ok := v.(odm.ReferenceHandle)
		if !ok {
			return nil, fmt.Errorf("field %s of %s holds %T, not a reference", f.Name, meta.Name, v)
		}
		return h.ReferenceID(f, ref)
	case odm.EmbedMany, odm.ReferenceMany:
		if v == nil || f.IsInverse() {
			return nil, nil
		}
		c, ok := v.(odm.PersistentCollection)
		if !ok {
			return nil, fmt.Errorf("field %s of %s holds %T, not a collection", f.Name, meta.Name, v)
		}
		if !c.IsInitialized() {
			return c.Raw(), nil
		}
		return h.CollectionValue(f, c.Elements())
	}
	return nil, fmt.Errorf("field %s of %s has unknown kind %s", f.Name, meta.Name, f.Kind)
}

// CollectionValue returns the storage form of the elements of a to-many field. Referenced
// elements without an identifier yet are left out.
func (h *Hydrator) CollectionValue(f *odm.FieldMapping, elements []any) ([]any, error) {
	r := make([]any, 0, len(elements))
	if f.Kind == odm.EmbedMany {
		target, err := h.provider.GetMetadata(f.TargetClass)
		if err != nil {
			return nil, err
		}
		for _, e := range elements {
			d, err := h.ToDocument(target, e)
			if err != nil {
				return nil, err
			}
			r = append(r, d)
		}
		return r, nil
	}
	for _, e := range elements {
		id, err := h.ObjectID(f.TargetClass, e)
		if err != nil {
			return nil, err
		}
		if id != nil {
			r = append(r, id)
		}
	}
	return r, nil
}

// ReferenceID returns the identifier a to-one reference stores, nil when the target has none yet.
func (h *Hydrator) ReferenceID(f *odm.FieldMapping, ref odm.ReferenceHandle) (any, error) {
	if target := ref.Object(); target != nil {
		return h.ObjectID(f.TargetClass, target)
	}
	return ref.ID(), nil
}

// ObjectID returns the identifier of a referenced object.
func (h *Hydrator) ObjectID(class string, obj any) (any, error) {
	if c, err := h.provider.ClassOf(obj); err == nil {
		class = c
	}
	meta, err := h.provider.GetMetadata(class)
	if err != nil {
		return nil, err
	}
	return meta.GetID(obj), nil
}

// FromDocument builds a new instance of meta from doc.
func (h *Hydrator) FromDocument(meta *odm.ClassMetadata, doc odm.Document) (any, error) {
	obj := meta.New()
	if err := h.Hydrate(meta, obj, doc); err != nil {
		return nil, err
	}
	return obj, nil
}

// Hydrate overwrites the mapped fields of obj with doc. Collections are replaced by new
// uninitialized collections holding the stored payload, and references by unresolved ones.
func (h *Hydrator) Hydrate(meta *odm.ClassMetadata, obj any, doc odm.Document) error {
	for i := range meta.Fields {
		f := &meta.Fields[i]
		key := f.Key()
		if h.isRootID(meta, f) {
			key = odm.IDKey
		}
		raw := doc[key]
		var err error
		switch f.Kind {
		case odm.ScalarField:
			err = f.Set(obj, raw)
		case odm.EmbedOne:
			err = h.hydrateEmbedOne(f, obj, raw)
		case odm.ReferenceOne:
			if raw == nil {
				err = f.Set(obj, nil)
			} else {
				err = f.Set(obj, f.NewReference(nil, raw))
			}
		case odm.EmbedMany, odm.ReferenceMany:
			c := f.NewCollection()
			c.SetOwner(obj, f)
			if !f.IsInverse() {
				c.SetRaw(AsSlice(raw))
			}
			err = f.Set(obj, c)
		}
		if err != nil {
			return fmt.Errorf("can't hydrate %s.%s: %w", meta.Name, f.Name, err)
		}
	}
	return nil
}

func (h *Hydrator) hydrateEmbedOne(f *odm.FieldMapping, obj any, raw any) error {
	d, ok := AsDocument(raw)
	if !ok {
		return f.Set(obj, nil)
	}
	target, err := h.provider.GetMetadata(f.TargetClass)
	if err != nil {
		return err
	}
	e, err := h.FromDocument(target, d)
	if err != nil {
		return err
	}
	return f.Set(obj, e)
}

func (h *Hydrator) isRootID(meta *odm.ClassMetadata, f *odm.FieldMapping) bool {
	return !meta.Embedded && f.Name == meta.IDField
}

// AsDocument returns v as a document if it is a string keyed map.
func AsDocument(v any) (odm.Document, bool) {
	switch d := v.(type) {
	case map[string]any:
		return d, true
	case map[any]any:
		r := make(odm.Document, len(d))
		for k, e := range d {
			r[fmt.Sprint(k)] = e
		}
		return r, true
	}
	return nil, false
}

// AsSlice returns the elements of a stored array, nil for anything else.
func AsSlice(v any) []any {
	if v == nil {
		return nil
	}
	if s, ok := v.([]any); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	r := make([]any, rv.Len())
	for i := range r {
		r[i] = rv.Index(i).Interface()
	}
	return r
}
