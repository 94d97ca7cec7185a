// Package render turns spreadsheets into PDFs with a headless office engine.
package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"docdiff/domain"
)

// Renderer converts a spreadsheet into a PDF placed next to it.
type Renderer interface {
	Render(ctx context.Context, spreadsheetPath string) (pdfPath string, err error)
}

const DefaultTimeout = 60 * time.Second

// Soffice runs "soffice --headless --convert-to pdf" as a subprocess.
type Soffice struct {
	bin     string
	timeout time.Duration
	logger  *slog.Logger
	// isolate gives every run its own user profile so concurrent conversions don't
	// fight over the profile lock.
	isolate bool
}

func NewSoffice(bin string, timeout time.Duration, logger *slog.Logger) *Soffice {
	if strings.TrimSpace(bin) == "" {
		bin = "soffice"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Soffice{bin: bin, timeout: timeout, logger: logger, isolate: true}
}

// OutputPath is where Render leaves the PDF for spreadsheetPath.
func OutputPath(spreadsheetPath string) string {
	return strings.TrimSuffix(spreadsheetPath, filepath.Ext(spreadsheetPath)) + ".pdf"
}

func (s *Soffice) Render(ctx context.Context, inPath string) (string, error) {
	if strings.TrimSpace(inPath) == "" {
		return "", domain.NotFoundFailure("render", "(empty path)")
	}
	if _, err := os.Stat(inPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.NotFoundFailure("render", inPath)
		}
		return "", domain.UnreadableFailure("render", "stat spreadsheet", err)
	}
	if err := checkWorkbook(inPath); err != nil {
		return "", err
	}
	if _, err := exec.LookPath(s.bin); err != nil {
		return "", domain.RenderFailure(fmt.Sprintf("render engine %q not found", s.bin), err)
	}

	outDir := filepath.Dir(inPath)
	outPath := OutputPath(inPath)
	_ = os.Remove(outPath) // stale output from an earlier run would look like success

	args := []string{"--headless"}
	if s.isolate {
		profile, err := os.MkdirTemp("", "docdiff-soffice-*")
		if err != nil {
			return "", domain.RenderFailure("create engine profile dir", err)
		}
		defer os.RemoveAll(profile)
		args = append(args, "-env:UserInstallation=file://"+filepath.ToSlash(profile))
	}
	args = append(args, "--convert-to", "pdf", "--outdir", outDir, inPath)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.WaitDelay = 2 * time.Second
	out, runErr := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", domain.RenderFailure(fmt.Sprintf("render timed out after %s", s.timeout), ctx.Err())
	}
	if runErr != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = runErr.Error()
		}
		return "", domain.RenderFailure("render engine failed: "+msg, runErr)
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", domain.RenderFailure("render engine produced no output", err)
	}
	s.logger.Debug("rendered spreadsheet", "in", inPath, "out", outPath, "ms", time.Since(start).Milliseconds())
	return outPath, nil
}

var ole2Magic = [8]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// checkWorkbook sniffs the header: zip workbooks must open with at least one sheet,
// legacy OLE2 files are passed to the engine as-is, anything else is rejected.
func checkWorkbook(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.UnreadableFailure("render", "open spreadsheet", err)
	}
	var hdr [8]byte
	n, _ := f.Read(hdr[:])
	_ = f.Close()

	switch {
	case n >= 2 && hdr[0] == 'P' && hdr[1] == 'K':
		wb, err := excelize.OpenFile(path)
		if err != nil {
			return domain.UnreadableFailure("render", "open workbook", err)
		}
		defer wb.Close()
		if len(wb.GetSheetList()) == 0 {
			return domain.UnreadableFailure("render", "workbook has no sheets", nil)
		}
		return nil
	case n == 8 && hdr == ole2Magic:
		return nil
	default:
		return domain.UnreadableFailure("render", "not a spreadsheet: "+filepath.Base(path), nil)
	}
}
