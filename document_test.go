package odm

import (
	"context"
	"errors"
	"testing"
)

func TestUpdateApply(t *testing.T) {
	doc := Document{"a": 1, "b": 2}
	got := Update{Set: Document{"a": 3, "c": 4}, Unset: []string{"b"}}.Apply(doc)
	if got["a"] != 3 || got["c"] != 4 {
		t.Errorf("unexpected result %v", got)
	}
	if _, ok := got["b"]; ok {
		t.Errorf("expected b removed")
	}
	if doc["a"] != 1 || doc["b"] != 2 {
		t.Errorf("source document must be left alone")
	}
	if !(Update{}).IsEmpty() || (Update{Unset: []string{"x"}}).IsEmpty() {
		t.Errorf("unexpected IsEmpty")
	}
}

func TestVersionCheckMatches(t *testing.T) {
	var none *VersionCheck
	if !none.Matches(Document{}) {
		t.Errorf("nil check must match")
	}
	c := &VersionCheck{Field: "version", Expected: int64(2)}
	if !c.Matches(Document{"version": 2.0}) {
		t.Errorf("expected numeric match across types")
	}
	if c.Matches(Document{"version": 3}) || c.Matches(Document{}) {
		t.Errorf("expected mismatch")
	}
}

func TestIdentityEqual(t *testing.T) {
	obj := &struct{}{}
	cases := []struct {
		name string
		a, b Identity
		want bool
	}{
		{"same id", Identity{Class: "User", ID: int64(1)}, Identity{Class: "User", ID: 1}, true},
		{"other class", Identity{Class: "User", ID: 1}, Identity{Class: "Group", ID: 1}, false},
		{"id and instance", Identity{Class: "User", ID: 1}, Identity{Class: "User", Object: obj}, false},
		{"same instance", Identity{Class: "User", Object: obj}, Identity{Class: "User", Object: obj}, true},
	}
	for _, c := range cases {
		if got := c.a.Equal(c.b); got != c.want {
			t.Errorf("%s: Equal = %v, want %v", c.name, got, c.want)
		}
	}
	if !(Identity{}).IsZero() {
		t.Errorf("expected zero identity")
	}
}

func TestHooksDispatchOrder(t *testing.T) {
	h := NewHooks()
	var got []string
	record := func(s string) LifecycleHook {
		return func(context.Context, LifecycleEventArgs) error {
			got = append(got, s)
			return nil
		}
	}
	h.On(PrePersist, "", record("global")).On(PrePersist, "User", record("user1")).On(PrePersist, "User", record("user2"))
	if err := h.Dispatch(context.Background(), PrePersist, LifecycleEventArgs{Class: "User"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "user1" || got[1] != "user2" || got[2] != "global" {
		t.Errorf("unexpected order %v", got)
	}
	if !h.Has(PrePersist, "Group") || h.Has(PostLoad, "User") {
		t.Errorf("unexpected Has")
	}
	boom := errors.New("boom")
	h.On(PostLoad, "User", func(context.Context, LifecycleEventArgs) error { return boom }).On(PostLoad, "User", record("never"))
	if err := h.Dispatch(context.Background(), PostLoad, LifecycleEventArgs{Class: "User"}); !errors.Is(err, boom) {
		t.Errorf("expected hook error, got %v", err)
	}
	if got[len(got)-1] == "never" {
		t.Errorf("dispatch must stop at the first error")
	}
	var nilHooks *Hooks
	if err := nilHooks.Dispatch(context.Background(), PreFlush, LifecycleEventArgs{}); err != nil || nilHooks.Has(PreFlush, "") {
		t.Errorf("nil hooks must be inert")
	}
}
