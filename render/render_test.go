package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"docdiff/domain"
)

const fakeSoffice = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --outdir) out="$2"; shift 2 ;;
    -*) shift ;;
    *) in="$1"; shift ;;
  esac
done
base=$(basename "$in")
printf '%%PDF-1.4\n' > "$out/${base%.*}.pdf"
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine stub needs a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), "soffice")
	if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

func writeWorkbook(t *testing.T, dir, name string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	_ = f.SetCellValue("Sheet1", "A1", "SUBTOTAL")
	_ = f.SetCellValue("Sheet1", "B1", 1200)
	p := filepath.Join(dir, name)
	if err := f.SaveAs(p); err != nil {
		t.Fatalf("save workbook: %v", err)
	}
	return p
}

func TestRenderWritesPDFNextToInput(t *testing.T) {
	bin := writeScript(t, fakeSoffice)
	in := writeWorkbook(t, t.TempDir(), "invoice.xlsx")

	r := NewSoffice(bin, 5*time.Second, nil)
	out, err := r.Render(context.Background(), in)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != OutputPath(in) {
		t.Fatalf("out = %q, want %q", out, OutputPath(in))
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output missing: %v", err)
	}
}

func TestRenderEngineFailure(t *testing.T) {
	bin := writeScript(t, "#!/bin/sh\necho 'boom' >&2\nexit 3\n")
	in := writeWorkbook(t, t.TempDir(), "invoice.xlsx")

	_, err := NewSoffice(bin, 5*time.Second, nil).Render(context.Background(), in)
	if domain.KindOf(err) != domain.FailureRender {
		t.Fatalf("want render failure, got %v", err)
	}
}

func TestRenderNoOutput(t *testing.T) {
	bin := writeScript(t, "#!/bin/sh\nexit 0\n")
	in := writeWorkbook(t, t.TempDir(), "invoice.xlsx")

	_, err := NewSoffice(bin, 5*time.Second, nil).Render(context.Background(), in)
	if domain.KindOf(err) != domain.FailureRender {
		t.Fatalf("want render failure, got %v", err)
	}
}

func TestRenderTimeout(t *testing.T) {
	bin := writeScript(t, "#!/bin/sh\nexec sleep 5\n")
	in := writeWorkbook(t, t.TempDir(), "invoice.xlsx")

	start := time.Now()
	_, err := NewSoffice(bin, 200*time.Millisecond, nil).Render(context.Background(), in)
	if domain.KindOf(err) != domain.FailureRender {
		t.Fatalf("want render failure, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded in chain, got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout not enforced: %s", time.Since(start))
	}
}

func TestRenderMissingInput(t *testing.T) {
	_, err := NewSoffice("soffice", time.Second, nil).Render(context.Background(), filepath.Join(t.TempDir(), "nope.xlsx"))
	if domain.KindOf(err) != domain.FailureNotFound {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestRenderRejectsNonSpreadsheet(t *testing.T) {
	p := filepath.Join(t.TempDir(), "fake.xlsx")
	if err := os.WriteFile(p, []byte("hello, world"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := NewSoffice("soffice", time.Second, nil).Render(context.Background(), p)
	if domain.KindOf(err) != domain.FailureUnreadable {
		t.Fatalf("want unreadable, got %v", err)
	}
}
