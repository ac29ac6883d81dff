// Package aws_s3 contains an odm.StorageDriver keeping one S3 object per document.
//
// Objects are named "<collection>/<id>.<codec>". Inserts are conditional on the key being
// absent (If-None-Match: *) and updates on the ETag read with the document (If-Match).
package aws_s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sharedcode/odm"
	"github.com/sharedcode/odm/encoding"
)

func init() {
	odm.RegisterDriverFactory(odm.S3Storage, func(ctx context.Context, opts odm.Options) (odm.StorageDriver, error) {
		config, err := ConfigFrom(opts.S3)
		if err != nil {
			return nil, err
		}
		client := Connect(config)
		mb, err := NewManageBucket(client, config.Region)
		if err != nil {
			return nil, err
		}
		if err := mb.EnsureBucket(ctx, opts.S3.Bucket); err != nil {
			return nil, err
		}
		return NewDriver(client, opts.S3.Bucket, opts.S3.Codec)
	})
}

// deleteBatchSize is the S3 limit of keys per DeleteObjects call.
const deleteBatchSize = 1000

// Driver is the S3 storage driver.
type Driver struct {
	S3Client  *s3.Client
	bucket    string
	codec     string
	marshaler encoding.Marshaler
	// MaxConcurrency limits the object requests in flight per batch.
	MaxConcurrency int
}

var _ odm.StorageDriver = (*Driver)(nil)
var _ odm.ReferenceFinder = (*Driver)(nil)

// NewDriver returns a driver storing documents in bucket encoded with codec ("json" or "cbor").
func NewDriver(s3Client *s3.Client, bucket string, codec string) (*Driver, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	if codec == "" {
		codec = "json"
	}
	m, err := encoding.ByName(codec)
	if err != nil {
		return nil, odm.Configurationf("s3 codec: %w", err)
	}
	return &Driver{
		S3Client:       s3Client,
		bucket:         bucket,
		codec:          codec,
		marshaler:      m,
		MaxConcurrency: 16,
	}, nil
}

func (d *Driver) objectKey(collection string, id any) string {
	return fmt.Sprintf("%s/%s.%s", collection, odm.IDString(id), d.codec)
}

func (d *Driver) contentType() string {
	if d.codec == "cbor" {
		return "application/cbor"
	}
	return "application/json"
}

// InsertMany puts each document unless its key exists. Puts run concurrently; a duplicate
// fails the call but does not undo the other puts of the batch.
func (d *Driver) InsertMany(ctx context.Context, meta *odm.ClassMetadata, docs []odm.Document) ([]any, error) {
	ids := make([]any, len(docs))
	tr := odm.NewTaskRunner(ctx, d.MaxConcurrency)
	for i, doc := range docs {
		doc, id := odm.WithID(doc)
		ids[i] = id
		ba, err := d.marshaler.Marshal(doc)
		if err != nil {
			return nil, err
		}
		key := d.objectKey(meta.Collection, id)
		tr.Go(func() error {
			_, err := d.S3Client.PutObject(tr.GetContext(), &s3.PutObjectInput{
				Bucket:      aws.String(d.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(ba),
				ContentType: aws.String(d.contentType()),
				IfNoneMatch: aws.String("*"),
			})
			if isPreconditionFailed(err) {
				return fmt.Errorf("%s %v: %w", meta.Collection, id, odm.ErrDuplicateKey)
			}
			return err
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, err
	}
	log.Debug("s3 insert", "bucket", d.bucket, "collection", meta.Collection, "count", len(ids))
	return ids, nil
}

// UpdateOne reads the document with its ETag and puts the updated version If-Match that ETag.
// A moved ETag re-runs the round trip so the version check sees the latest document.
func (d *Driver) UpdateOne(ctx context.Context, meta *odm.ClassMetadata, id any, update odm.Update, check *odm.VersionCheck) error {
	key := d.objectKey(meta.Collection, id)
	task := func(ctx context.Context) error {
		ba, etag, err := d.get(ctx, key)
		if err != nil {
			return fmt.Errorf("%s %v: %w", meta.Collection, id, err)
		}
		_, out, err := encoding.ApplyUpdate(d.marshaler, ba, update, check)
		if err != nil {
			return fmt.Errorf("%s %v: %w", meta.Collection, id, err)
		}
		_, err = d.S3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(d.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(out),
			ContentType: aws.String(d.contentType()),
			IfMatch:     etag,
		})
		if isPreconditionFailed(err) || statusCode(err) == http.StatusConflict {
			return odm.Retryable(err)
		}
		return err
	}
	return odm.Retry(ctx, task, nil)
}

// DeleteMany removes the objects of ids. Missing objects are ignored by S3.
func (d *Driver) DeleteMany(ctx context.Context, meta *odm.ClassMetadata, ids []any) error {
	for len(ids) > 0 {
		n := min(len(ids), deleteBatchSize)
		objects := make([]types.ObjectIdentifier, n)
		for i := range n {
			objects[i] = types.ObjectIdentifier{Key: aws.String(d.objectKey(meta.Collection, ids[i]))}
		}
		out, err := d.S3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("failed to delete %d objects from bucket %s, first: %s %s", len(out.Errors), d.bucket, aws.ToString(e.Key), aws.ToString(e.Message))
		}
		ids = ids[n:]
	}
	return nil
}

// Find returns the decoded document with id.
func (d *Driver) Find(ctx context.Context, meta *odm.ClassMetadata, id any) (odm.Document, error) {
	ba, _, err := d.get(ctx, d.objectKey(meta.Collection, id))
	if err != nil {
		return nil, fmt.Errorf("%s %v: %w", meta.Collection, id, err)
	}
	return encoding.DecodeDocument(d.marshaler, ba)
}

func (d *Driver) get(ctx context.Context, key string) ([]byte, *string, error) {
	out, err := d.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || statusCode(err) == http.StatusNotFound {
			return nil, nil, odm.ErrNotFound
		}
		return nil, nil, err
	}
	defer out.Body.Close()
	ba, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, err
	}
	return ba, out.ETag, nil
}

type listedObject struct {
	key          string
	lastModified time.Time
}

// FindReferencing lists the collection prefix and returns the documents whose key references id,
// oldest object first.
func (d *Driver) FindReferencing(ctx context.Context, meta *odm.ClassMetadata, key string, id any) ([]odm.Document, error) {
	var listed []listedObject
	p := s3.NewListObjectsV2Paginator(d.S3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(meta.Collection + "/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range page.Contents {
			k := aws.ToString(o.Key)
			if !strings.HasSuffix(k, "."+d.codec) {
				continue
			}
			listed = append(listed, listedObject{key: k, lastModified: aws.ToTime(o.LastModified)})
		}
	}
	sortListed(listed)

	docs := make([]odm.Document, len(listed))
	tr := odm.NewTaskRunner(ctx, d.MaxConcurrency)
	for i := range listed {
		tr.Go(func() error {
			ba, _, err := d.get(tr.GetContext(), listed[i].key)
			if errors.Is(err, odm.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			doc, err := encoding.DecodeDocument(d.marshaler, ba)
			if err != nil {
				return err
			}
			if odm.References(doc[key], id) {
				docs[i] = doc
			}
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, err
	}
	r := docs[:0]
	for _, doc := range docs {
		if doc != nil {
			r = append(r, doc)
		}
	}
	return r, nil
}

func sortListed(listed []listedObject) {
	sort.SliceStable(listed, func(i, j int) bool {
		if !listed[i].lastModified.Equal(listed[j].lastModified) {
			return listed[i].lastModified.Before(listed[j].lastModified)
		}
		return listed[i].key < listed[j].key
	})
}

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func isPreconditionFailed(err error) bool {
	return err != nil && statusCode(err) == http.StatusPreconditionFailed
}
