package cassandra

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"

	"github.com/sharedcode/odm"
)

var users = &odm.ClassMetadata{Name: "User", Collection: "users"}

func TestConfigFrom(t *testing.T) {
	cases := []struct {
		name    string
		in      *odm.CassandraConfig
		wantErr bool
	}{
		{"nil", nil, true},
		{"no hosts", &odm.CassandraConfig{}, true},
		{"bad consistency", &odm.CassandraConfig{ClusterHosts: []string{"h"}, Consistency: "most"}, true},
		{"hosts only", &odm.CassandraConfig{ClusterHosts: []string{"h"}}, false},
	}
	for _, c := range cases {
		_, err := ConfigFrom(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("%s: got %v, want error %v", c.name, err, c.wantErr)
		}
		if err != nil && odm.CodeOf(err) != odm.ConfigurationError {
			t.Errorf("%s: got %v, want configuration error", c.name, err)
		}
	}

	config, err := ConfigFrom(&odm.CassandraConfig{
		ClusterHosts:      []string{"a", "b"},
		Consistency:       "local_one",
		Username:          "u",
		Password:          "p",
		ConnectionTimeout: 5,
	})
	if err != nil {
		t.Fatalf("ConfigFrom failed: %v", err)
	}
	if config.Consistency != gocql.LocalOne {
		t.Errorf("got consistency %v, want LOCAL_ONE", config.Consistency)
	}
	if config.ConnectionTimeout != 5*time.Second {
		t.Errorf("got timeout %v", config.ConnectionTimeout)
	}
	if a, ok := config.Authenticator.(gocql.PasswordAuthenticator); !ok || a.Username != "u" {
		t.Errorf("got authenticator %#v", config.Authenticator)
	}
}

func TestWithDefaults(t *testing.T) {
	c := withDefaults(Config{})
	if c.Keyspace != "odm" || c.Consistency != gocql.LocalQuorum || !strings.Contains(c.ReplicationClause, "SimpleStrategy") {
		t.Errorf("got %+v", c)
	}
	c = withDefaults(Config{Keyspace: "k", Consistency: gocql.One})
	if c.Keyspace != "k" || c.Consistency != gocql.One {
		t.Errorf("explicit values were overwritten: %+v", c)
	}
}

func TestTableName(t *testing.T) {
	for name, want := range map[string]bool{
		"users":        true,
		"blog_posts2":  true,
		"2users":       false,
		"users; DROP":  false,
		"":             false,
		"with-hyphens": false,
	} {
		if got := tableName.MatchString(name); got != want {
			t.Errorf("%q: got %v, want %v", name, got, want)
		}
	}
}

func TestInInsertionOrder(t *testing.T) {
	docs := inInsertionOrder([]storedDocument{
		{doc: odm.Document{"_id": "c"}, ts: 30},
		{doc: odm.Document{"_id": "a"}, ts: 10},
		{doc: odm.Document{"_id": "b"}, ts: 20},
	})
	if len(docs) != 3 || docs[0]["_id"] != "a" || docs[1]["_id"] != "b" || docs[2]["_id"] != "c" {
		t.Errorf("got %v", docs)
	}
}

func TestClosedConnection(t *testing.T) {
	d := NewDriver(nil, nil)
	if _, err := d.Find(context.Background(), users, "a"); err == nil {
		t.Errorf("Find on a closed connection succeeded")
	}
	if err := d.DeleteMany(context.Background(), users, nil); err != nil {
		t.Errorf("empty DeleteMany failed: %v", err)
	}
}

// TestDriver runs against the cluster listed in ODM_CASSANDRA_HOSTS (comma separated).
func TestDriver(t *testing.T) {
	hosts := os.Getenv("ODM_CASSANDRA_HOSTS")
	if hosts == "" {
		t.Skip("ODM_CASSANDRA_HOSTS not set")
	}
	ctx := context.Background()
	conn, err := OpenConnection(Config{ClusterHosts: strings.Split(hosts, ","), Consistency: gocql.One})
	if err != nil {
		t.Fatalf("OpenConnection failed: %v", err)
	}
	defer CloseConnection()
	d := NewDriver(conn, nil)

	id := odm.NewDocumentID()
	if _, err := d.InsertMany(ctx, users, []odm.Document{{"_id": id, "name": "a", "version": 1}}); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if _, err := d.InsertMany(ctx, users, []odm.Document{{"_id": id}}); !errors.Is(err, odm.ErrDuplicateKey) {
		t.Errorf("got %v, want duplicate key", err)
	}
	check := &odm.VersionCheck{Field: "version", Expected: 1}
	if err := d.UpdateOne(ctx, users, id, odm.Update{Set: odm.Document{"name": "b", "version": 2}}, check); err != nil {
		t.Fatalf("UpdateOne failed: %v", err)
	}
	if err := d.UpdateOne(ctx, users, id, odm.Update{Set: odm.Document{"version": 2}}, check); !errors.Is(err, odm.ErrVersionConflict) {
		t.Errorf("got %v, want version conflict", err)
	}
	doc, err := d.Find(ctx, users, id)
	if err != nil || doc["name"] != "b" {
		t.Errorf("got %v, %v", doc, err)
	}
	if err := d.DeleteMany(ctx, users, []any{id}); err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if _, err := d.Find(ctx, users, id); !errors.Is(err, odm.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}
