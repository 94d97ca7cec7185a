package storage

import (
	"context"
	"testing"

	gcs "cloud.google.com/go/storage"
)

func TestNewGCSRequiresBucket(t *testing.T) {
	if _, err := NewGCS(context.Background(), "  "); err == nil {
		t.Fatalf("empty bucket should fail")
	}
}

func TestGCSTaskQuery(t *testing.T) {
	cases := []struct{ task, want string }{
		{"t1", "t1/"},
		{"/t1/", "t1/"},
		{" t1 ", "t1/"},
	}
	for _, tc := range cases {
		q, err := taskQuery(tc.task)
		if err != nil {
			t.Fatalf("taskQuery(%q): %v", tc.task, err)
		}
		if q.Prefix != tc.want {
			t.Errorf("taskQuery(%q).Prefix = %q, want %q", tc.task, q.Prefix, tc.want)
		}
	}
	for _, task := range []string{"", "/", "  "} {
		if _, err := taskQuery(task); err == nil {
			t.Errorf("taskQuery(%q) should fail", task)
		}
	}
}

func TestGCSListedObject(t *testing.T) {
	if o, ok := listedObject(&gcs.ObjectAttrs{Name: "t1/scan.pdf", Size: 2048}); !ok || o != (Object{Name: "t1/scan.pdf", Size: 2048}) {
		t.Fatalf("got %+v ok=%v", o, ok)
	}
	for _, attrs := range []*gcs.ObjectAttrs{nil, {Name: "t1/sub/"}, {Name: ""}} {
		if _, ok := listedObject(attrs); ok {
			t.Errorf("listedObject(%+v) should be skipped", attrs)
		}
	}
}

func TestGCSPutRejectsEmptyName(t *testing.T) {
	g := &GCS{}
	if _, err := g.Put(context.Background(), "/nonexistent", "/", ContentTypeJPEG); err == nil {
		t.Fatalf("empty object name should fail")
	}
}
