package common

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/inmemory"
)

var ctx = context.Background()

type Address struct {
	Street string
	City   string
}

type Phone struct {
	Number string
}

type Group struct {
	ID   string
	Name string
}

type Account struct {
	ID   string
	Name string
}

type User struct {
	ID      string
	Name    string
	Version int64
	Lock    int
	Tags    []string
	Address *Address
	Phones  *odm.Collection[*Phone]
	Groups  *odm.Collection[*Group]
	Account *odm.Reference[Account]
}

// Article uses assigned identifiers and references its author without cascade.
type Article struct {
	ID     string
	Title  string
	Author *odm.Reference[User]
}

// Person and Company reference each other, both cascading persist.
type Person struct {
	ID       string
	Name     string
	Employer *odm.Reference[Company]
}

type Company struct {
	ID   string
	Name string
	CEO  *odm.Reference[Person]
}

type Blog struct {
	ID    string
	Title string
	Posts *odm.Collection[*Post]
}

type Post struct {
	ID    string
	Title string
	Blog  *odm.Reference[Blog]
}

func addressMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:     "Address",
		Embedded: true,
		New:      func() any { return &Address{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("street", func(a *Address) string { return a.Street }, func(a *Address, v string) { a.Street = v }),
			odm.Scalar("city", func(a *Address) string { return a.City }, func(a *Address, v string) { a.City = v }),
		},
	}
}

func phoneMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:     "Phone",
		Embedded: true,
		New:      func() any { return &Phone{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("number", func(p *Phone) string { return p.Number }, func(p *Phone, v string) { p.Number = v }),
		},
	}
}

func groupMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:       "Group",
		Collection: "groups",
		IDField:    "id",
		New:        func() any { return &Group{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("id", func(g *Group) string { return g.ID }, func(g *Group, v string) { g.ID = v }),
			odm.Scalar("name", func(g *Group) string { return g.Name }, func(g *Group, v string) { g.Name = v }),
		},
	}
}

func accountMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:       "Account",
		Collection: "accounts",
		IDField:    "id",
		New:        func() any { return &Account{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("id", func(a *Account) string { return a.ID }, func(a *Account, v string) { a.ID = v }),
			odm.Scalar("name", func(a *Account) string { return a.Name }, func(a *Account, v string) { a.Name = v }),
		},
	}
}

func userMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:         "User",
		Collection:   "users",
		IDField:      "id",
		VersionField: "version",
		VersionType:  odm.VersionInt,
		LockField:    "lock",
		New:          func() any { return &User{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("id", func(u *User) string { return u.ID }, func(u *User, v string) { u.ID = v }),
			odm.Scalar("name", func(u *User) string { return u.Name }, func(u *User, v string) { u.Name = v }),
			odm.Scalar("version", func(u *User) int64 { return u.Version }, func(u *User, v int64) { u.Version = v }),
			odm.Scalar("lock", func(u *User) int { return u.Lock }, func(u *User, v int) { u.Lock = v }),
			odm.Scalar("tags", func(u *User) []string { return u.Tags }, func(u *User, v []string) { u.Tags = v }),
			odm.EmbedOneField("address", "Address", func(u *User) *Address { return u.Address }, func(u *User, v *Address) { u.Address = v }),
			odm.EmbedManyField("phones", "Phone", func(u *User) *odm.Collection[*Phone] { return u.Phones },
				func(u *User, v *odm.Collection[*Phone]) { u.Phones = v }),
			odm.ReferenceManyField("groups", "Group", func(u *User) *odm.Collection[*Group] { return u.Groups },
				func(u *User, v *odm.Collection[*Group]) { u.Groups = v }).WithCascade(odm.CascadePersist),
			odm.ReferenceOneField("account", "Account", func(u *User) *odm.Reference[Account] { return u.Account },
				func(u *User, v *odm.Reference[Account]) { u.Account = v }).WithCascade(odm.CascadeAll).AsNullable(),
		},
	}
}

func articleMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:       "Article",
		Collection: "articles",
		IDField:    "id",
		IDStrategy: odm.IDNone,
		New:        func() any { return &Article{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("id", func(a *Article) string { return a.ID }, func(a *Article, v string) { a.ID = v }),
			odm.Scalar("title", func(a *Article) string { return a.Title }, func(a *Article, v string) { a.Title = v }),
			odm.ReferenceOneField("author", "User", func(a *Article) *odm.Reference[User] { return a.Author },
				func(a *Article, v *odm.Reference[User]) { a.Author = v }),
		},
	}
}

func personMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:       "Person",
		Collection: "people",
		IDField:    "id",
		New:        func() any { return &Person{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("id", func(p *Person) string { return p.ID }, func(p *Person, v string) { p.ID = v }),
			odm.Scalar("name", func(p *Person) string { return p.Name }, func(p *Person, v string) { p.Name = v }),
			odm.ReferenceOneField("employer", "Company", func(p *Person) *odm.Reference[Company] { return p.Employer },
				func(p *Person, v *odm.Reference[Company]) { p.Employer = v }).WithCascade(odm.CascadePersist),
		},
	}
}

func companyMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:       "Company",
		Collection: "companies",
		IDField:    "id",
		New:        func() any { return &Company{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("id", func(c *Company) string { return c.ID }, func(c *Company, v string) { c.ID = v }),
			odm.Scalar("name", func(c *Company) string { return c.Name }, func(c *Company, v string) { c.Name = v }),
			odm.ReferenceOneField("ceo", "Person", func(c *Company) *odm.Reference[Person] { return c.CEO },
				func(c *Company, v *odm.Reference[Person]) { c.CEO = v }).WithCascade(odm.CascadePersist),
		},
	}
}

func blogMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:       "Blog",
		Collection: "blogs",
		IDField:    "id",
		IDStrategy: odm.IDUUID,
		New:        func() any { return &Blog{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("id", func(b *Blog) string { return b.ID }, func(b *Blog, v string) { b.ID = v }),
			odm.Scalar("title", func(b *Blog) string { return b.Title }, func(b *Blog, v string) { b.Title = v }),
			odm.InverseField("posts", "Post", "blog", func(b *Blog) *odm.Collection[*Post] { return b.Posts },
				func(b *Blog, v *odm.Collection[*Post]) { b.Posts = v }),
		},
	}
}

func postMeta() *odm.ClassMetadata {
	return &odm.ClassMetadata{
		Name:       "Post",
		Collection: "posts",
		IDField:    "id",
		IDStrategy: odm.IDUUID,
		New:        func() any { return &Post{} },
		Fields: []odm.FieldMapping{
			odm.Scalar("id", func(p *Post) string { return p.ID }, func(p *Post, v string) { p.ID = v }),
			odm.Scalar("title", func(p *Post) string { return p.Title }, func(p *Post, v string) { p.Title = v }),
			odm.ReferenceOneField("blog", "Blog", func(p *Post) *odm.Reference[Blog] { return p.Blog },
				func(p *Post, v *odm.Reference[Blog]) { p.Blog = v }),
		},
	}
}

func newRegistry(t *testing.T) *odm.Registry {
	t.Helper()
	r, err := odm.NewRegistry(addressMeta(), phoneMeta(), groupMeta(), accountMeta(), userMeta(), articleMeta(),
		personMeta(), companyMeta(), blogMeta(), postMeta())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

type fixture struct {
	registry *odm.Registry
	driver   *inmemory.Driver
	hooks    *odm.Hooks
	recorder *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		registry: newRegistry(t),
		driver:   inmemory.NewDriver(),
		hooks:    odm.NewHooks(),
		recorder: &recorder{},
	}
}

// session opens a new Unit of Work over the fixture's shared driver.
func (f *fixture) session(t *testing.T, opts ...odm.Options) *UnitOfWork {
	t.Helper()
	var o odm.Options
	if len(opts) > 0 {
		o = opts[0]
	}
	u, err := NewUnitOfWork(Config{
		Provider: f.registry,
		Driver:   f.driver,
		Hooks:    f.hooks,
		Recorder: f.recorder,
		Options:  o,
	})
	if err != nil {
		t.Fatalf("NewUnitOfWork: %v", err)
	}
	return u
}

func (f *fixture) stored(t *testing.T, class string, id any) odm.Document {
	t.Helper()
	meta, err := f.registry.GetMetadata(class)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := f.driver.Find(ctx, meta, id)
	if err != nil {
		t.Fatalf("find %s %v: %v", class, id, err)
	}
	return doc
}

type recorder struct {
	flushes   int
	passes    int
	lastErr   error
	writes    map[string]int
	conflicts int
}

func (r *recorder) ObserveFlush(_ time.Duration, passes int, err error) {
	r.flushes++
	r.passes = passes
	r.lastErr = err
}

func (r *recorder) CountWrites(class string, op odm.Operation, n int) {
	if r.writes == nil {
		r.writes = make(map[string]int)
	}
	r.writes[class+" "+string(op)] += n
}

func (r *recorder) CountConflict(string) {
	r.conflicts++
}

func mustFlush(t *testing.T, u *UnitOfWork) {
	t.Helper()
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func mustPersist(t *testing.T, u *UnitOfWork, objs ...any) {
	t.Helper()
	for _, obj := range objs {
		if err := u.Persist(ctx, obj); err != nil {
			t.Fatalf("persist %T: %v", obj, err)
		}
	}
}

// storeUser inserts a user with two phones through its own session and returns its identifier.
func storeUser(t *testing.T, f *fixture) string {
	t.Helper()
	u := f.session(t)
	usr := &User{Name: "alice", Phones: odm.NewCollection(&Phone{Number: "1"}, &Phone{Number: "2"})}
	mustPersist(t, u, usr)
	mustFlush(t, u)
	f.driver.ResetOps()
	return usr.ID
}

// newStoredUser returns a fresh session holding a stored user loaded back from the driver.
func newStoredUser(t *testing.T, f *fixture) (*UnitOfWork, *User) {
	t.Helper()
	id := storeUser(t, f)
	s := f.session(t)
	loaded, err := Find[User](ctx, s, "User", id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	return s, loaded
}
