package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sharedcode/odm"
)

func TestFlushInsertWritesEmbeddedInline(t *testing.T) {
	f := newFixture(t)
	u := f.session(t)
	usr := &User{Name: "alice", Address: &Address{City: "Paris"}, Phones: odm.NewCollection(&Phone{Number: "1"})}
	mustPersist(t, u, usr)
	mustFlush(t, u)

	ops := f.driver.Ops()
	if len(ops) != 1 || ops[0].Operation != odm.OpInsert {
		t.Fatalf("expected a single insert, got %+v", ops)
	}
	if usr.Version != 1 {
		t.Errorf("expected version 1, got %d", usr.Version)
	}
	if usr.Phones.IsDirty() {
		t.Errorf("expected phones synchronized")
	}
	doc := f.stored(t, "User", usr.ID)
	if !odm.EqualValues(doc["version"], 1) {
		t.Errorf("expected stored version 1, got %v", doc["version"])
	}
	phones, ok := doc["phones"].([]any)
	if !ok || len(phones) != 1 {
		t.Fatalf("expected 1 stored phone, got %v", doc["phones"])
	}
	if phones[0].(map[string]any)["number"] != "1" {
		t.Errorf("unexpected phone %v", phones[0])
	}
	if doc["address"].(map[string]any)["city"] != "Paris" {
		t.Errorf("unexpected address %v", doc["address"])
	}
	if f.recorder.flushes != 1 || f.recorder.writes["User insert"] != 1 {
		t.Errorf("unexpected recorder state %+v", f.recorder)
	}
}

func TestFlushWithoutChangesWritesNothing(t *testing.T) {
	f := newFixture(t)
	s, usr := newStoredUser(t, f)
	if err := s.ComputeChangeSet(nil, usr); err != nil {
		t.Fatal(err)
	}
	if cs := s.GetDocumentChangeSet(usr); len(cs) != 0 {
		t.Errorf("expected empty change set, got %v", cs)
	}
	if s.IsScheduledForUpdate(usr) {
		t.Errorf("unchanged user must not be scheduled")
	}
	mustFlush(t, s)
	if len(f.driver.Ops()) != 0 {
		t.Errorf("expected no writes, got %+v", f.driver.Ops())
	}
}

func TestFlushUpdateWritesChangedFields(t *testing.T) {
	f := newFixture(t)
	s, usr := newStoredUser(t, f)
	usr.Name = "bob"
	if err := s.ComputeChangeSet(nil, usr); err != nil {
		t.Fatal(err)
	}
	cs := s.GetDocumentChangeSet(usr)
	if len(cs) != 1 || cs["name"].Old != "alice" || cs["name"].New != "bob" {
		t.Fatalf("unexpected change set %v", cs)
	}
	mustFlush(t, s)
	ops := f.driver.Ops()
	if len(ops) != 1 || ops[0].Operation != odm.OpUpdate {
		t.Fatalf("expected a single update, got %+v", ops)
	}
	if ops[0].Update.Set["name"] != "bob" || !odm.EqualValues(ops[0].Update.Set["version"], 2) {
		t.Errorf("unexpected update %+v", ops[0].Update)
	}
	if len(ops[0].Update.Set) != 2 {
		t.Errorf("only name and version must be written, got %v", ops[0].Update.Set)
	}
	if usr.Version != 2 {
		t.Errorf("expected version 2, got %d", usr.Version)
	}
	if len(s.GetDocumentChangeSet(usr)) != 0 || s.IsScheduledForUpdate(usr) {
		t.Errorf("expected change set cleared after flush")
	}
	if f.recorder.writes["User update"] != 1 {
		t.Errorf("expected 1 recorded update, got %v", f.recorder.writes)
	}
}

func TestFlushVersionConflict(t *testing.T) {
	f := newFixture(t)
	id := storeUser(t, f)
	a := f.session(t)
	b := f.session(t)
	ua, err := Find[User](ctx, a, "User", id)
	if err != nil {
		t.Fatal(err)
	}
	ub, err := Find[User](ctx, b, "User", id)
	if err != nil {
		t.Fatal(err)
	}
	ua.Name = "from a"
	mustFlush(t, a)

	ub.Name = "from b"
	err = b.Flush(ctx)
	if !odm.IsConcurrencyConflict(err) || !errors.Is(err, odm.ErrVersionConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	var fe *odm.FlushError
	if !errors.As(err, &fe) || fe.Class != "User" || fe.Operation != odm.OpUpdate {
		t.Errorf("unexpected flush error %+v", fe)
	}
	if f.stored(t, "User", id)["name"] != "from a" {
		t.Errorf("losing write must not be applied")
	}
	if f.recorder.conflicts != 1 {
		t.Errorf("expected 1 conflict recorded, got %d", f.recorder.conflicts)
	}
	if !b.IsScheduledForUpdate(ub) {
		t.Errorf("failed update must stay scheduled")
	}
	if !b.flush.isIdle() {
		t.Errorf("expected flush state back to idle, got %s", b.flush.current())
	}
	if f.recorder.lastErr == nil {
		t.Errorf("expected failed flush observed")
	}
}

func TestFlushCollectionEmptiedIsDeleted(t *testing.T) {
	f := newFixture(t)
	s, usr := newStoredUser(t, f)
	if usr.Phones.IsDirty() {
		t.Fatalf("loaded collection must not be dirty")
	}
	usr.Phones.Add(&Phone{Number: "3"})
	if !usr.Phones.IsDirty() {
		t.Fatalf("expected dirty collection after add")
	}
	if err := s.ComputeChangeSet(nil, usr); err != nil {
		t.Fatal(err)
	}
	if !s.IsCollectionScheduledForUpdate(usr.Phones) {
		t.Fatalf("expected collection update scheduled")
	}
	usr.Phones.Clear()
	if err := s.ComputeChangeSet(nil, usr); err != nil {
		t.Fatal(err)
	}
	if s.IsCollectionScheduledForUpdate(usr.Phones) || !s.IsCollectionScheduledForDeletion(usr.Phones) {
		t.Fatalf("expected the collection scheduled for deletion only")
	}
	if !s.IsScheduledForUpdate(usr) {
		t.Errorf("expected owner scheduled for update")
	}
	mustFlush(t, s)
	ops := f.driver.Ops()
	if len(ops) != 1 {
		t.Fatalf("expected a single write, got %+v", ops)
	}
	if unset := ops[0].Update.Unset; len(unset) != 1 || unset[0] != "phones" {
		t.Errorf("expected phones unset, got %+v", ops[0].Update)
	}
	if _, ok := f.stored(t, "User", usr.ID)["phones"]; ok {
		t.Errorf("expected phones removed from storage")
	}
	if usr.Phones.IsDirty() || s.IsCollectionScheduledForDeletion(usr.Phones) {
		t.Errorf("expected collection synchronized")
	}
}

func TestFlushEmptyCollectionNotStoredIsNotWritten(t *testing.T) {
	f := newFixture(t)
	s, usr := newStoredUser(t, f)
	usr.Groups.Add(&Group{Name: "tmp"})
	usr.Groups.Clear()
	if err := s.ComputeChangeSet(nil, usr); err != nil {
		t.Fatal(err)
	}
	if s.IsCollectionScheduledForUpdate(usr.Groups) || s.IsCollectionScheduledForDeletion(usr.Groups) {
		t.Fatalf("empty collection must not be scheduled")
	}
	mustFlush(t, s)
	if len(f.driver.Ops()) != 0 {
		t.Errorf("expected no writes, got %+v", f.driver.Ops())
	}
}

func TestFlushEmbeddedElementChange(t *testing.T) {
	f := newFixture(t)
	s, usr := newStoredUser(t, f)
	p, ok := usr.Phones.Get(0)
	if !ok {
		t.Fatalf("expected a phone")
	}
	p.Number = "changed"
	if usr.Phones.IsDirty() {
		t.Fatalf("element change must not dirty the collection itself")
	}
	if err := s.ComputeChangeSet(nil, usr); err != nil {
		t.Fatal(err)
	}
	if !s.IsCollectionScheduledForUpdate(usr.Phones) {
		t.Fatalf("expected collection update for the changed element")
	}
	mustFlush(t, s)
	ops := f.driver.Ops()
	if len(ops) != 1 {
		t.Fatalf("expected a single write, got %+v", ops)
	}
	phones := f.stored(t, "User", usr.ID)["phones"].([]any)
	if len(phones) != 2 || phones[0].(map[string]any)["number"] != "changed" {
		t.Errorf("unexpected stored phones %v", phones)
	}
	// Synchronized elements compare equal again.
	if err := s.ComputeChangeSet(nil, usr); err != nil {
		t.Fatal(err)
	}
	if s.IsScheduledForUpdate(usr) {
		t.Errorf("expected nothing left to write")
	}
}

func TestFlushCommitOrder(t *testing.T) {
	f := newFixture(t)
	u := f.session(t)
	author := &User{Name: "writer"}
	art := &Article{ID: "a1", Title: "hello", Author: odm.RefTo(author)}
	mustPersist(t, u, art, author)
	mustFlush(t, u)

	ops := f.driver.Ops()
	if len(ops) != 2 || ops[0].Collection != "users" || ops[1].Collection != "articles" {
		t.Fatalf("expected users written before articles, got %+v", ops)
	}
	if f.stored(t, "Article", "a1")["author"] != author.ID {
		t.Errorf("expected author %s stored", author.ID)
	}
}

func TestFlushCascadePersistOrder(t *testing.T) {
	f := newFixture(t)
	u := f.session(t)
	usr := &User{Name: "alice", Groups: odm.NewCollection(&Group{Name: "g"}), Account: odm.RefTo(&Account{Name: "a"})}
	mustPersist(t, u, usr)
	mustFlush(t, u)
	var got []string
	for _, op := range f.driver.Ops() {
		got = append(got, op.Collection)
	}
	want := []string{"groups", "accounts", "users"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestFlushCascadeErrorOnNewTarget(t *testing.T) {
	f := newFixture(t)
	u := f.session(t)
	art := &Article{ID: "a1", Author: odm.RefTo(&User{Name: "stranger"})}
	mustPersist(t, u, art)
	err := u.Flush(ctx)
	if odm.CodeOf(err) != odm.CascadeError {
		t.Fatalf("expected cascade error, got %v", err)
	}
	var fe *odm.FlushError
	if !errors.As(err, &fe) || fe.Operation != odm.OpCascade {
		t.Errorf("unexpected flush error %v", err)
	}
	if len(f.driver.Ops()) != 0 {
		t.Errorf("nothing must be written, got %+v", f.driver.Ops())
	}
	if !u.IsScheduledForInsert(art) {
		t.Errorf("article must stay scheduled")
	}
}

func TestFlushCycleWritesBrokenReferenceLater(t *testing.T) {
	f := newFixture(t)
	u := f.session(t)
	p := &Person{Name: "ada"}
	c := &Company{Name: "acme"}
	p.Employer = odm.RefTo(c)
	c.CEO = odm.RefTo(p)
	mustPersist(t, u, p)
	if !u.IsScheduledForInsert(c) {
		t.Fatalf("expected cascade persist to the company")
	}
	mustFlush(t, u)

	if f.recorder.passes != 2 {
		t.Errorf("expected 2 passes, got %d", f.recorder.passes)
	}
	if f.stored(t, "Person", p.ID)["employer"] != c.ID {
		t.Errorf("expected employer %s", c.ID)
	}
	if f.stored(t, "Company", c.ID)["ceo"] != p.ID {
		t.Errorf("expected ceo %s", p.ID)
	}
	if f.driver.Count(odm.OpInsert, "companies") != 1 || f.driver.Count(odm.OpUpdate, "companies") != 1 {
		t.Errorf("unexpected writes %+v", f.driver.Ops())
	}
	// Everything is synchronized.
	mustFlush(t, u)
	if len(f.driver.Ops()) != 3 {
		t.Errorf("expected no further writes, got %+v", f.driver.Ops())
	}
}

func TestFlushUniqueIndexViolation(t *testing.T) {
	f := newFixture(t)
	f.driver.AddUniqueIndex("groups", "name")
	u := f.session(t)
	mustPersist(t, u, &Group{Name: "same"}, &Group{Name: "same"})
	err := u.Flush(ctx)
	if !errors.Is(err, odm.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	if f.driver.Len("groups") != 0 {
		t.Errorf("batch must not be applied partially")
	}
}

func TestFlushBatchSize(t *testing.T) {
	f := newFixture(t)
	u := f.session(t, odm.Options{BatchSize: 2})
	for i := 0; i < 5; i++ {
		mustPersist(t, u, &Group{Name: fmt.Sprintf("g%d", i)})
	}
	mustFlush(t, u)
	if n := f.driver.Count(odm.OpInsert, "groups"); n != 3 {
		t.Errorf("expected 3 insert batches, got %d", n)
	}
	if f.driver.Len("groups") != 5 {
		t.Errorf("expected 5 groups stored")
	}
}

func TestFlushHooks(t *testing.T) {
	f := newFixture(t)
	var pre, post, loads int
	f.hooks.On(odm.PreFlush, "", func(context.Context, odm.LifecycleEventArgs) error {
		pre++
		return nil
	}).On(odm.PostFlush, "", func(context.Context, odm.LifecycleEventArgs) error {
		post++
		return nil
	}).On(odm.PostLoad, "User", func(_ context.Context, args odm.LifecycleEventArgs) error {
		if args.Class != "User" {
			t.Errorf("unexpected class %s", args.Class)
		}
		loads++
		return nil
	})
	s, _ := newStoredUser(t, f)
	mustFlush(t, s)
	if pre != 2 || post != 2 {
		t.Errorf("expected 2 pre and post flush calls, got %d and %d", pre, post)
	}
	if loads != 1 {
		t.Errorf("expected 1 post load call, got %d", loads)
	}
}

func TestFlushPreUpdateChangesAreWritten(t *testing.T) {
	f := newFixture(t)
	f.hooks.On(odm.PreUpdate, "User", func(_ context.Context, args odm.LifecycleEventArgs) error {
		args.Object.(*User).Tags = []string{"touched"}
		return nil
	})
	s, usr := newStoredUser(t, f)
	usr.Name = "bob"
	mustFlush(t, s)
	ops := f.driver.Ops()
	if len(ops) != 1 {
		t.Fatalf("expected a single update, got %+v", ops)
	}
	if _, ok := ops[0].Update.Set["tags"]; !ok {
		t.Errorf("expected tags written with the update, got %v", ops[0].Update.Set)
	}
	tags, err := odm.ConvertTo[[]string](f.stored(t, "User", usr.ID)["tags"])
	if err != nil || len(tags) != 1 || tags[0] != "touched" {
		t.Errorf("unexpected stored tags %v: %v", tags, err)
	}
}

func TestFlushPostPersistRecomputeRunsAnotherPass(t *testing.T) {
	f := newFixture(t)
	f.hooks.On(odm.PostPersist, "User", func(_ context.Context, args odm.LifecycleEventArgs) error {
		usr := args.Object.(*User)
		usr.Name += "!"
		return args.UnitOfWork.RecomputeSingleDocumentChangeSet(nil, usr)
	})
	u := f.session(t)
	usr := &User{Name: "x"}
	mustPersist(t, u, usr)
	mustFlush(t, u)
	if f.recorder.passes != 2 {
		t.Errorf("expected 2 passes, got %d", f.recorder.passes)
	}
	ops := f.driver.Ops()
	if len(ops) != 2 || ops[0].Operation != odm.OpInsert || ops[1].Operation != odm.OpUpdate {
		t.Fatalf("expected insert then update, got %+v", ops)
	}
	if f.stored(t, "User", usr.ID)["name"] != "x!" {
		t.Errorf("expected hook change stored")
	}
}

func TestFlushPostPersistPersistsNewObject(t *testing.T) {
	f := newFixture(t)
	g := &Group{Name: "late"}
	f.hooks.On(odm.PostPersist, "User", func(ctx context.Context, args odm.LifecycleEventArgs) error {
		usr := args.Object.(*User)
		usr.Groups.Add(g)
		return args.UnitOfWork.Persist(ctx, g)
	})
	u := f.session(t)
	usr := &User{Name: "alice"}
	mustPersist(t, u, usr)
	mustFlush(t, u)
	if g.ID == "" || f.driver.Len("groups") != 1 {
		t.Fatalf("expected group inserted by the re-entry pass")
	}
	if f.recorder.passes != 2 {
		t.Errorf("expected 2 passes, got %d", f.recorder.passes)
	}
	// The owner was not recomputed by the hook.
	if !usr.Groups.IsDirty() || u.IsCollectionScheduledForUpdate(usr.Groups) {
		t.Fatalf("expected groups dirty and unscheduled")
	}
	if err := u.ComputeChangeSet(nil, usr); err != nil {
		t.Fatal(err)
	}
	if !u.IsCollectionScheduledForUpdate(usr.Groups) {
		t.Fatalf("expected groups scheduled after recompute")
	}
	mustFlush(t, u)
	groups, _ := f.stored(t, "User", usr.ID)["groups"].([]any)
	if len(groups) != 1 || groups[0] != g.ID {
		t.Errorf("expected groups [%s], got %v", g.ID, groups)
	}
}

func TestFlushReentryLimit(t *testing.T) {
	f := newFixture(t)
	id := storeUser(t, f)
	n := 0
	f.hooks.On(odm.PostUpdate, "User", func(_ context.Context, args odm.LifecycleEventArgs) error {
		n++
		usr := args.Object.(*User)
		usr.Name = fmt.Sprintf("loop%d", n)
		return args.UnitOfWork.RecomputeSingleDocumentChangeSet(nil, usr)
	})
	s := f.session(t, odm.Options{MaxReentryPasses: 2})
	usr, err := Find[User](ctx, s, "User", id)
	if err != nil {
		t.Fatal(err)
	}
	usr.Name = "start"
	err = s.Flush(ctx)
	if !errors.Is(err, odm.ErrReentryLimit) || odm.CodeOf(err) != odm.ReentryLimit {
		t.Fatalf("expected reentry limit, got %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 passes of updates, got %d", n)
	}
	if !s.flush.isIdle() {
		t.Errorf("expected flush state back to idle")
	}
}

func TestFlushFromHookFails(t *testing.T) {
	f := newFixture(t)
	var nested error
	f.hooks.On(odm.PostPersist, "Group", func(ctx context.Context, args odm.LifecycleEventArgs) error {
		nested = args.UnitOfWork.Flush(ctx)
		return nil
	})
	u := f.session(t)
	mustPersist(t, u, &Group{Name: "g"})
	mustFlush(t, u)
	if !errors.Is(nested, odm.ErrFlushInProgress) || odm.CodeOf(nested) != odm.InvalidState {
		t.Errorf("expected flush in progress, got %v", nested)
	}
}

func TestFlushHookErrorAborts(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	f.hooks.On(odm.PreFlush, "", func(context.Context, odm.LifecycleEventArgs) error {
		return boom
	})
	u := f.session(t)
	mustPersist(t, u, &Group{Name: "g"})
	if err := u.Flush(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if !u.flush.isIdle() || len(f.driver.Ops()) != 0 {
		t.Errorf("expected aborted flush without writes")
	}
}

func TestFlushRecoversAfterHookPanic(t *testing.T) {
	f := newFixture(t)
	panicked := false
	f.hooks.On(odm.PostPersist, "Group", func(context.Context, odm.LifecycleEventArgs) error {
		if !panicked {
			panicked = true
			panic("boom")
		}
		return nil
	})
	u := f.session(t)
	mustPersist(t, u, &Group{Name: "g"})
	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("expected the hook panic, got %v", r)
			}
		}()
		_ = u.Flush(ctx)
	}()
	if !u.flush.isIdle() {
		t.Fatalf("expected flush state back to idle, got %s", u.flush.current())
	}
	mustPersist(t, u, &Group{Name: "h"})
	mustFlush(t, u)
	if f.driver.Len("groups") != 2 {
		t.Errorf("expected 2 groups stored, got %d", f.driver.Len("groups"))
	}
}

func TestFlushReentryDoesNotRewriteWrittenObjects(t *testing.T) {
	f := newFixture(t)
	f.hooks.On(odm.PostPersist, "User", func(ctx context.Context, args odm.LifecycleEventArgs) error {
		if err := args.UnitOfWork.ComputeChangeSet(nil, args.Object); err != nil {
			return err
		}
		return args.UnitOfWork.Persist(ctx, &Group{Name: "side"})
	})
	u := f.session(t)
	mustPersist(t, u, &User{Name: "alice"})
	mustFlush(t, u)
	if f.recorder.passes != 2 {
		t.Errorf("expected 2 passes, got %d", f.recorder.passes)
	}
	if f.driver.Count(odm.OpInsert, "users") != 1 || f.driver.Count(odm.OpUpdate, "users") != 0 {
		t.Errorf("user must be written once, got %+v", f.driver.Ops())
	}
	if f.driver.Count(odm.OpInsert, "groups") != 1 {
		t.Errorf("expected group inserted by the re-entry pass, got %+v", f.driver.Ops())
	}
}
