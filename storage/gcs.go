package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCS stores objects in a Google Cloud Storage bucket using application default credentials.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
}

func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is empty")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket)}, nil
}

func (g *GCS) Close() error { return g.client.Close() }

func (g *GCS) List(ctx context.Context, taskID string) ([]Object, error) {
	q, err := taskQuery(taskID)
	if err != nil {
		return nil, err
	}
	it := g.bucket.Objects(ctx, q)
	var objs []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gcs objects: %w", err)
		}
		if o, ok := listedObject(attrs); ok {
			objs = append(objs, o)
		}
	}
	sortObjects(objs)
	return objs, nil
}

func taskQuery(taskID string) (*gcs.Query, error) {
	if strings.Trim(strings.TrimSpace(taskID), "/") == "" {
		return nil, errors.New("taskID empty")
	}
	q := &gcs.Query{Prefix: TaskPrefix(taskID)}
	if err := q.SetAttrSelection([]string{"Name", "Size"}); err != nil {
		return nil, err
	}
	return q, nil
}

// listedObject skips folder placeholders.
func listedObject(attrs *gcs.ObjectAttrs) (Object, bool) {
	if attrs == nil || attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
		return Object{}, false
	}
	return Object{Name: attrs.Name, Size: attrs.Size}, true
}

func (g *GCS) Fetch(ctx context.Context, objectName, localPath string) error {
	r, err := g.bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open gcs object %s: %w", objectName, err)
	}
	defer r.Close()
	return writeAtomic(localPath, r)
}

func (g *GCS) Put(ctx context.Context, localPath, objectName, contentType string) (string, error) {
	name, err := cleanObjectName(objectName)
	if err != nil {
		return "", err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := g.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gcs object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gcs object %s: %w", name, err)
	}
	return name, nil
}
