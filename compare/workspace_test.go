package compare

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"docdiff/classify"
	"docdiff/domain"
	"docdiff/storage"
)

func TestLoadDocumentSetThenClassify(t *testing.T) {
	ctx := context.Background()
	st := storage.NewLocal(t.TempDir())
	src := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"t9/CI_001.xlsx", "t9/sub/TKX_01.xlsx", "t9/scan.pdf", "other/settle.xlsx"} {
		if _, err := st.Put(ctx, src, name, ""); err != nil {
			t.Fatal(err)
		}
	}

	ws := Workspace{Root: t.TempDir()}
	files, err := LoadDocumentSet(ctx, st, ws, "t9")
	if err != nil {
		t.Fatalf("LoadDocumentSet: %v", err)
	}
	sort.Strings(files)
	if want := []string{"CI_001.xlsx", "TKX_01.xlsx", "scan.pdf"}; !reflect.DeepEqual(files, want) {
		t.Fatalf("files = %v, want %v", files, want)
	}

	set, err := classify.Scan(ws.Dir("t9"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := set.File(domain.RoleCommercialInvoice); got != "CI_001.xlsx" {
		t.Fatalf("commercial invoice = %q", got)
	}
	if !reflect.DeepEqual(set.ExportDeclarations, []string{"TKX_01.xlsx"}) {
		t.Fatalf("declarations = %v", set.ExportDeclarations)
	}
	if _, ok := set.File(domain.RoleSettlement); ok {
		t.Fatalf("other task's file leaked into workspace")
	}
}

func TestLoadDocumentSetSharedRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p := filepath.Join(root, "t7", "invoice.xlsx")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("spreadsheet-xml"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := LoadDocumentSet(ctx, storage.NewLocal(root), Workspace{Root: root}, "t7")
	if err != nil {
		t.Fatalf("LoadDocumentSet: %v", err)
	}
	if !reflect.DeepEqual(files, []string{"invoice.xlsx"}) {
		t.Fatalf("files = %v", files)
	}
	if b, _ := os.ReadFile(p); string(b) != "spreadsheet-xml" {
		t.Fatalf("input rewritten to %q", b)
	}
}

func TestWorkspaceEnsureRejectsTraversal(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	for _, id := range []string{"", "..", "a/b", " pad"} {
		if _, err := ws.Ensure(id); err == nil {
			t.Errorf("Ensure(%q) should fail", id)
		}
	}
}
