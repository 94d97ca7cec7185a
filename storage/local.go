package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Local keeps objects as files under a root directory. Used by the CLI and tests.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func cleanObjectName(objectName string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(objectName, "\\", "/")), "/")
	if clean == "" {
		return "", errors.New("empty object name")
	}
	return clean, nil
}

func (l *Local) pathFor(objectName string) (string, error) {
	clean, err := cleanObjectName(objectName)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) List(ctx context.Context, taskID string) ([]Object, error) {
	dir, err := l.pathFor(TaskPrefix(taskID))
	if err != nil {
		return nil, err
	}
	var objs []Object
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() || isPartial(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		objs = append(objs, Object{Name: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	sortObjects(objs)
	return objs, err
}

func (l *Local) Fetch(ctx context.Context, objectName, localPath string) error {
	src, err := l.pathFor(objectName)
	if err != nil {
		return err
	}
	return copyFile(src, localPath)
}

func (l *Local) Put(ctx context.Context, localPath, objectName, contentType string) (string, error) {
	name, err := cleanObjectName(objectName)
	if err != nil {
		return "", err
	}
	if err := copyFile(localPath, filepath.Join(l.root, filepath.FromSlash(name))); err != nil {
		return "", err
	}
	return name, nil
}

// copyFile is a no-op when src and dst are the same file, which happens when the
// local store root doubles as the workspace root.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if sameFile(in, dst) {
		return nil
	}
	return writeAtomic(dst, in)
}

func sameFile(in *os.File, dst string) bool {
	srcInfo, err := in.Stat()
	if err != nil {
		return false
	}
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return false
	}
	return os.SameFile(srcInfo, dstInfo)
}

const partialPrefix = ".partial-"

func isPartial(name string) bool {
	return strings.HasPrefix(name, partialPrefix)
}

// writeAtomic copies r into a temp file next to dst and renames it into place.
func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), partialPrefix+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
