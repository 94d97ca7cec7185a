package compare

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"docdiff/storage"
)

// Workspace is the local root holding one directory per task.
type Workspace struct {
	Root string
}

// Dir is the task directory. It does not create it.
func (w Workspace) Dir(taskID string) string {
	return filepath.Join(w.Root, taskID)
}

// Ensure creates the task directory if needed.
func (w Workspace) Ensure(taskID string) (string, error) {
	if err := validTaskID(taskID); err != nil {
		return "", err
	}
	dir := w.Dir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	return dir, nil
}

func validTaskID(taskID string) error {
	id := strings.TrimSpace(taskID)
	if id == "" {
		return errors.New("taskID is empty")
	}
	if id != taskID || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid taskID %q", taskID)
	}
	return nil
}

// ObjectLister is the read side of the object store.
type ObjectLister interface {
	List(ctx context.Context, taskID string) ([]storage.Object, error)
	Fetch(ctx context.Context, objectName, localPath string) error
}

// LoadDocumentSet downloads every object under "{taskID}/" into the task directory,
// flattening each object name to its last segment. It returns the local file names.
func LoadDocumentSet(ctx context.Context, st ObjectLister, ws Workspace, taskID string) ([]string, error) {
	dir, err := ws.Ensure(taskID)
	if err != nil {
		return nil, err
	}
	objs, err := st.List(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task objects: %w", err)
	}
	files := make([]string, 0, len(objs))
	for _, obj := range objs {
		name := obj.Name
		base := path.Base(name)
		if base == "." || base == "/" || base == "" {
			continue
		}
		if err := st.Fetch(ctx, name, filepath.Join(dir, base)); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", name, err)
		}
		files = append(files, base)
	}
	return files, nil
}
