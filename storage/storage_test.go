package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"docdiff/config"
)

func TestObjectName(t *testing.T) {
	cases := []struct{ task, file, want string }{
		{"t1", "scan.pdf", "t1/scan.pdf"},
		{"/t1/", "a/b/scan.pdf", "t1/scan.pdf"},
		{"t1", `C:\up\scan.pdf`, "t1/scan.pdf"},
	}
	for _, tc := range cases {
		if got := ObjectName(tc.task, tc.file); got != tc.want {
			t.Errorf("ObjectName(%q,%q) = %q, want %q", tc.task, tc.file, got, tc.want)
		}
	}
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st := NewLocal(root)

	src := filepath.Join(t.TempDir(), "page.jpg")
	if err := os.WriteFile(src, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"task-1/b.jpg", "/task-1/a.jpg", "task-2/c.jpg"} {
		if _, err := st.Put(ctx, src, name, ContentTypeJPEG); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	if stored, _ := st.Put(ctx, src, `task-3\d.jpg`, ContentTypeJPEG); stored != "task-3/d.jpg" {
		t.Fatalf("stored as %q", stored)
	}

	objs, err := st.List(ctx, "task-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Object{{Name: "task-1/a.jpg", Size: 10}, {Name: "task-1/b.jpg", Size: 10}}
	if !reflect.DeepEqual(objs, want) {
		t.Fatalf("List = %v, want %v", objs, want)
	}

	dst := filepath.Join(t.TempDir(), "out", "a.jpg")
	if err := st.Fetch(ctx, "task-1/a.jpg", dst); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "jpeg-bytes" {
		t.Fatalf("fetched %q", b)
	}
}

func TestLocalListUnknownTask(t *testing.T) {
	names, err := NewLocal(t.TempDir()).List(context.Background(), "missing")
	if err != nil || len(names) != 0 {
		t.Fatalf("got %v, %v", names, err)
	}
}

func TestLocalFetchOntoItself(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := filepath.Join(root, "t1", "invoice.xlsx")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("invoice-bytes!"), 0o644); err != nil {
		t.Fatal(err)
	}
	st := NewLocal(root)

	if err := st.Fetch(ctx, "t1/invoice.xlsx", p); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := st.Put(ctx, p, "t1/invoice.xlsx", ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if b, _ := os.ReadFile(p); string(b) != "invoice-bytes!" {
		t.Fatalf("content after self-copy = %q", b)
	}
	objs, err := st.List(ctx, "t1")
	if err != nil || len(objs) != 1 || objs[0].Size != 14 {
		t.Fatalf("List = %v, %v", objs, err)
	}
}

func TestLocalPutReplacesExisting(t *testing.T) {
	ctx := context.Background()
	st := NewLocal(t.TempDir())
	dir := t.TempDir()
	for i, body := range []string{"first version", "v2"} {
		src := filepath.Join(dir, "page.jpg")
		if err := os.WriteFile(src, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := st.Put(ctx, src, "t1/page.jpg", ContentTypeJPEG); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	dst := filepath.Join(dir, "got.jpg")
	if err := st.Fetch(ctx, "t1/page.jpg", dst); err != nil {
		t.Fatal(err)
	}
	if b, _ := os.ReadFile(dst); string(b) != "v2" {
		t.Fatalf("fetched %q", b)
	}
	if objs, _ := st.List(ctx, "t1"); len(objs) != 1 {
		t.Fatalf("leftover temp files: %v", objs)
	}
}

func TestLocalRejectsEscape(t *testing.T) {
	root := t.TempDir()
	st := NewLocal(filepath.Join(root, "store"))
	src := filepath.Join(root, "x")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Put(context.Background(), src, "../../evil", ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "store", "evil")); err != nil {
		t.Fatalf("object should be kept under root: %v", err)
	}
}

func TestOpenLocalAndUnknown(t *testing.T) {
	st, err := Open(context.Background(), config.Config{StorageBackend: "local", LocalStorageRoot: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open local: %v", err)
	}
	if _, ok := st.(*Local); !ok {
		t.Fatalf("got %T", st)
	}
	if _, err := Open(context.Background(), config.Config{StorageBackend: "ftp"}, nil); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

func TestOSSBackendSigns(t *testing.T) {
	var st Store = ossBackend{}
	if _, ok := st.(Signer); !ok {
		t.Fatalf("oss backend should sign URLs")
	}
	if _, ok := Store(NewLocal(t.TempDir())).(Signer); ok {
		t.Fatalf("local store should not sign URLs")
	}
}
