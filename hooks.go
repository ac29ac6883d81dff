package odm

import "context"

// LifecycleEvent identifies a phase boundary at which hooks run.
type LifecycleEvent int

const (
	PrePersist LifecycleEvent = iota
	PostPersist
	PreUpdate
	PostUpdate
	PreRemove
	PostRemove
	PostLoad
	PreFlush
	PostFlush
)

func (e LifecycleEvent) String() string {
	switch e {
	case PrePersist:
		return "prePersist"
	case PostPersist:
		return "postPersist"
	case PreUpdate:
		return "preUpdate"
	case PostUpdate:
		return "postUpdate"
	case PreRemove:
		return "preRemove"
	case PostRemove:
		return "postRemove"
	case PostLoad:
		return "postLoad"
	case PreFlush:
		return "preFlush"
	case PostFlush:
		return "postFlush"
	}
	return "unknown"
}

// LifecycleEventArgs is passed to hooks. Object and Class are empty for flush events.
type LifecycleEventArgs struct {
	Object     any
	Class      string
	UnitOfWork UnitOfWork
}

// LifecycleHook is a handler registered for an event.
type LifecycleHook func(ctx context.Context, args LifecycleEventArgs) error

type hookKey struct {
	event LifecycleEvent
	class string
}

// Hooks is an ordered registry of lifecycle hooks per event and class.
// Hooks registered for the empty class run for every class, after the class specific ones.
type Hooks struct {
	handlers map[hookKey][]LifecycleHook
}

// NewHooks returns an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{handlers: make(map[hookKey][]LifecycleHook)}
}

// On registers hook for event on class.
func (h *Hooks) On(event LifecycleEvent, class string, hook LifecycleHook) *Hooks {
	k := hookKey{event: event, class: class}
	h.handlers[k] = append(h.handlers[k], hook)
	return h
}

// Has reports whether any hook would run for event on class.
func (h *Hooks) Has(event LifecycleEvent, class string) bool {
	if h == nil {
		return false
	}
	return len(h.handlers[hookKey{event, class}]) > 0 || len(h.handlers[hookKey{event, ""}]) > 0
}

// Dispatch runs the hooks of event for args.Class in registration order and stops at the first error.
func (h *Hooks) Dispatch(ctx context.Context, event LifecycleEvent, args LifecycleEventArgs) error {
	if h == nil {
		return nil
	}
	keys := []hookKey{{event, args.Class}}
	if args.Class != "" {
		keys = append(keys, hookKey{event, ""})
	}
	for _, k := range keys {
		for _, hook := range h.handlers[k] {
			if err := hook(ctx, args); err != nil {
				return err
			}
		}
	}
	return nil
}
