package odm

import "fmt"

// Scalar maps a plain value field of O. Values read from storage are converted to V with ConvertTo.
func Scalar[O, V any](name string, get func(*O) V, set func(*O, V)) FieldMapping {
	return FieldMapping{
		Name: name,
		Kind: ScalarField,
		Get: func(obj any) any {
			return get(obj.(*O))
		},
		Set: func(obj any, value any) error {
			v, err := ConvertTo[V](value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			set(obj.(*O), v)
			return nil
		},
	}
}

// EmbedOneField maps a single embedded document of class target.
func EmbedOneField[O, E any](name, target string, get func(*O) *E, set func(*O, *E)) FieldMapping {
	return FieldMapping{
		Name:        name,
		Kind:        EmbedOne,
		TargetClass: target,
		Nullable:    true,
		Get: func(obj any) any {
			if e := get(obj.(*O)); e != nil {
				return e
			}
			return nil
		},
		Set: func(obj any, value any) error {
			if isNil(value) {
				set(obj.(*O), nil)
				return nil
			}
			e, ok := value.(*E)
			if !ok {
				return fmt.Errorf("field %s: can't assign %T", name, value)
			}
			set(obj.(*O), e)
			return nil
		},
	}
}

// EmbedManyField maps a collection of embedded documents of class target.
func EmbedManyField[O, E any](name, target string, get func(*O) *Collection[*E], set func(*O, *Collection[*E])) FieldMapping {
	f := collectionField(name, target, get, set)
	f.Kind = EmbedMany
	f.Nullable = true
	return f
}

// ReferenceOneField maps a to-one reference to a document of class target.
func ReferenceOneField[O, T any](name, target string, get func(*O) *Reference[T], set func(*O, *Reference[T])) FieldMapping {
	return FieldMapping{
		Name:        name,
		Kind:        ReferenceOne,
		TargetClass: target,
		Get: func(obj any) any {
			if r := get(obj.(*O)); r != nil {
				return r
			}
			return nil
		},
		Set: func(obj any, value any) error {
			if isNil(value) {
				set(obj.(*O), nil)
				return nil
			}
			r, ok := value.(*Reference[T])
			if !ok {
				return fmt.Errorf("field %s: can't assign %T", name, value)
			}
			set(obj.(*O), r)
			return nil
		},
		NewReference: func(target any, id any) ReferenceHandle {
			r := &Reference[T]{id: id}
			if t, ok := target.(*T); ok {
				r.target = t
			}
			return r
		},
	}
}

// ReferenceManyField maps an owning to-many reference to documents of class target.
func ReferenceManyField[O, T any](name, target string, get func(*O) *Collection[*T], set func(*O, *Collection[*T])) FieldMapping {
	f := collectionField(name, target, get, set)
	f.Kind = ReferenceMany
	return f
}

// InverseField maps a to-many reference owned by field mappedBy of class target. It is loaded
// by querying the target documents referencing the owner and is never written.
func InverseField[O, T any](name, target, mappedBy string, get func(*O) *Collection[*T], set func(*O, *Collection[*T])) FieldMapping {
	f := ReferenceManyField(name, target, get, set)
	f.MappedBy = mappedBy
	f.Nullable = true
	return f
}

func collectionField[O, E any](name, target string, get func(*O) *Collection[E], set func(*O, *Collection[E])) FieldMapping {
	return FieldMapping{
		Name:        name,
		TargetClass: target,
		Get: func(obj any) any {
			if c := get(obj.(*O)); c != nil {
				return c
			}
			return nil
		},
		Set: func(obj any, value any) error {
			if isNil(value) {
				set(obj.(*O), nil)
				return nil
			}
			c, ok := value.(*Collection[E])
			if !ok {
				return fmt.Errorf("field %s: can't assign %T", name, value)
			}
			set(obj.(*O), c)
			return nil
		},
		NewCollection: func() PersistentCollection {
			return &Collection[E]{}
		},
	}
}
