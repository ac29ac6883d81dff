package aws_s3

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sharedcode/odm"
)

var users = &odm.ClassMetadata{Name: "User", Collection: "users"}

func TestConfigFrom(t *testing.T) {
	if _, err := ConfigFrom(nil); odm.CodeOf(err) != odm.ConfigurationError {
		t.Errorf("got %v, want configuration error", err)
	}
	if _, err := ConfigFrom(&odm.S3Config{Region: "eu-west-1"}); odm.CodeOf(err) != odm.ConfigurationError {
		t.Errorf("missing bucket: got %v, want configuration error", err)
	}
	c, err := ConfigFrom(&odm.S3Config{Bucket: "docs", Endpoint: "http://127.0.0.1:9000", AccessKeyID: "k", SecretAccessKey: "s", UsePathStyle: true})
	if err != nil {
		t.Fatalf("ConfigFrom failed: %v", err)
	}
	if c.Region != "us-east-1" || c.HostEndpointUrl != "http://127.0.0.1:9000" || c.Username != "k" || !c.UsePathStyle {
		t.Errorf("got %+v", c)
	}
}

func TestNewDriver(t *testing.T) {
	client := s3.New(s3.Options{Region: "us-east-1"})
	if _, err := NewDriver(nil, "docs", ""); err == nil {
		t.Errorf("nil client accepted")
	}
	if _, err := NewDriver(client, "docs", "xml"); odm.CodeOf(err) != odm.ConfigurationError {
		t.Errorf("got %v, want configuration error", err)
	}
	cases := []struct {
		codec       string
		key         string
		contentType string
	}{
		{"", "users/7.json", "application/json"},
		{"cbor", "users/7.cbor", "application/cbor"},
	}
	for _, c := range cases {
		d, err := NewDriver(client, "docs", c.codec)
		if err != nil {
			t.Fatalf("NewDriver(%q) failed: %v", c.codec, err)
		}
		if got := d.objectKey("users", int64(7)); got != c.key {
			t.Errorf("got key %q, want %q", got, c.key)
		}
		if got := d.contentType(); got != c.contentType {
			t.Errorf("got content type %q, want %q", got, c.contentType)
		}
	}
}

func TestSortListed(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	listed := []listedObject{
		{key: "users/c.json", lastModified: t0.Add(time.Second)},
		{key: "users/b.json", lastModified: t0},
		{key: "users/a.json", lastModified: t0},
	}
	sortListed(listed)
	want := []string{"users/a.json", "users/b.json", "users/c.json"}
	for i := range want {
		if listed[i].key != want[i] {
			t.Errorf("position %d: got %s, want %s", i, listed[i].key, want[i])
		}
	}
}

func TestStatusCode(t *testing.T) {
	if statusCode(nil) != 0 || statusCode(errors.New("x")) != 0 {
		t.Errorf("plain errors carry no status code")
	}
	if isPreconditionFailed(nil) || isPreconditionFailed(errors.New("x")) {
		t.Errorf("plain errors are not precondition failures")
	}
}

// TestDriver runs against the S3 compatible endpoint at ODM_S3_ENDPOINT, e.g. a local minio.
func TestDriver(t *testing.T) {
	endpoint := os.Getenv("ODM_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("ODM_S3_ENDPOINT not set")
	}
	ctx := context.Background()
	client := Connect(Config{
		HostEndpointUrl: endpoint,
		Region:          "us-east-1",
		Username:        os.Getenv("ODM_S3_ACCESS_KEY"),
		Password:        os.Getenv("ODM_S3_SECRET_KEY"),
		UsePathStyle:    true,
	})
	mb, _ := NewManageBucket(client, "us-east-1")
	if err := mb.EnsureBucket(ctx, "odm-test"); err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}
	d, err := NewDriver(client, "odm-test", "json")
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
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
	if err := d.DeleteMany(ctx, users, []any{id}); err != nil {
		t.Fatalf("DeleteMany failed: %v", err)
	}
	if _, err := d.Find(ctx, users, id); !errors.Is(err, odm.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}
