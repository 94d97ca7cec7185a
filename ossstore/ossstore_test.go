package ossstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

func TestKeyStaysUnderPrefix(t *testing.T) {
	s := &Store{prefix: "documents"}
	cases := map[string]string{
		"t1/scan.pdf":         "documents/t1/scan.pdf",
		"/t1/scan.pdf":        "documents/t1/scan.pdf",
		`t1\scan.pdf`:         "documents/t1/scan.pdf",
		"t1/../../escape.pdf": "documents/escape.pdf",
	}
	for in, want := range cases {
		if got := s.key(in); got != want {
			t.Errorf("key(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisabledStore(t *testing.T) {
	var s *Store
	if s.Enabled() {
		t.Fatalf("nil store reported enabled")
	}
	if _, err := s.List(context.Background(), "t1"); err == nil {
		t.Fatalf("List on disabled store should fail")
	}
}

func TestOptionsNormalize(t *testing.T) {
	o := Options{Bucket: " b ", InternalEndpoint: "oss-cn-heyuan-internal.aliyuncs.com", Prefix: "/docs/"}
	if err := o.normalize(); err != nil {
		t.Fatal(err)
	}
	if o.Bucket != "b" || o.Prefix != "docs" || o.Region != "cn-heyuan" {
		t.Fatalf("normalized %+v", o)
	}
	if o.PublicEndpoint != o.InternalEndpoint {
		t.Fatalf("public endpoint should fall back to internal: %+v", o)
	}
	if o.SignExpiry != 10*time.Minute || o.PutAttempts != 3 {
		t.Fatalf("defaults %+v", o)
	}

	if err := (&Options{}).normalize(); err == nil {
		t.Fatalf("missing bucket accepted")
	}
	if err := (&Options{Bucket: "b"}).normalize(); err == nil {
		t.Fatalf("missing endpoints accepted")
	}
}

func TestRetryable(t *testing.T) {
	if !retryable(oss.ServiceError{StatusCode: 503}) {
		t.Fatalf("503 should be retried")
	}
	if retryable(oss.ServiceError{StatusCode: 403}) {
		t.Fatalf("403 should not be retried")
	}
	if retryable(&fs.PathError{Op: "open", Path: "x.jpg", Err: fs.ErrNotExist}) {
		t.Fatalf("missing local file should not be retried")
	}
	if !retryable(errors.New("connection reset by peer")) {
		t.Fatalf("network error should be retried")
	}
}

func TestWriteAtomic(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "t1", "a.xlsx")
	if err := writeAtomic(dst, strings.NewReader("sheet")); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "sheet" {
		t.Fatalf("content=%q err=%v", b, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %d entries", len(entries))
	}
}
