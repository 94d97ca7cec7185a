// Package storage is the object-store boundary: list a task's inputs, fetch them, store outputs.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"docdiff/config"
	"docdiff/ossstore"
)

const ContentTypeJPEG = "image/jpeg"

// Object is one listed entry of a task.
type Object struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Store holds objects named "{taskID}/{filename}".
type Store interface {
	// List returns every object under "{taskID}/", ordered by name.
	List(ctx context.Context, taskID string) ([]Object, error)
	Fetch(ctx context.Context, objectName, localPath string) error
	// Put uploads localPath and returns the object name it was stored under.
	Put(ctx context.Context, localPath, objectName, contentType string) (string, error)
}

// Signer is implemented by stores that can hand out time-limited download URLs.
type Signer interface {
	SignURL(objectName string) (string, error)
}

// ObjectName joins a task ID and a file name.
func ObjectName(taskID, filename string) string {
	return path.Join(strings.Trim(taskID, "/"), path.Base(strings.ReplaceAll(filename, "\\", "/")))
}

// TaskPrefix is the listing prefix for a task.
func TaskPrefix(taskID string) string {
	return strings.Trim(strings.TrimSpace(taskID), "/") + "/"
}

// ossBackend adapts ossstore listings to Object.
type ossBackend struct {
	*ossstore.Store
}

func (b ossBackend) List(ctx context.Context, taskID string) ([]Object, error) {
	listed, err := b.Store.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	objs := make([]Object, 0, len(listed))
	for _, o := range listed {
		objs = append(objs, Object{Name: o.Name, Size: o.Size})
	}
	sortObjects(objs)
	return objs, nil
}

func sortObjects(objs []Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].Name < objs[j].Name })
}

// Open builds the backend named by cfg.StorageBackend.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.StorageBackend {
	case "oss":
		st, err := ossstore.New(ossstore.Options{
			Bucket:           cfg.OSSBucket,
			Region:           cfg.OSSRegion,
			InternalEndpoint: cfg.OSSInternalEndpoint,
			PublicEndpoint:   cfg.OSSPublicEndpoint,
			Prefix:           cfg.OSSPrefix,
			SignExpiry:       cfg.OSSSignExpiry,
		})
		if err != nil {
			return nil, fmt.Errorf("init oss store failed: %w", err)
		}
		logger.Info("storage: oss enabled", "bucket", st.Bucket())
		return ossBackend{st}, nil
	case "gcs":
		st, err := NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, err
		}
		logger.Info("storage: gcs enabled", "bucket", cfg.GCSBucket)
		return st, nil
	case "local", "":
		logger.Info("storage: local", "root", cfg.LocalStorageRoot)
		return NewLocal(cfg.LocalStorageRoot), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
