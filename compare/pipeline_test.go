package compare

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"docdiff/domain"
	"docdiff/raster"
	"docdiff/render"
	"docdiff/storage"
)

type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRenderer) Render(ctx context.Context, in string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	out := render.OutputPath(in)
	return out, os.WriteFile(out, []byte("%PDF-1.4"), 0o644)
}

// fakeRasterizer reports pages[base(pdf)] pages.
type fakeRasterizer struct {
	pages map[string]int
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdfPath string) (raster.Pages, error) {
	n, ok := f.pages[filepath.Base(pdfPath)]
	if !ok {
		return raster.Pages{}, domain.NotFoundFailure("rasterize", pdfPath)
	}
	var out raster.Pages
	for i := 1; i <= n; i++ {
		out.Paths = append(out.Paths, raster.PagePath(pdfPath, i))
	}
	return out, nil
}

type fakeExtractor struct {
	mu     sync.Mutex
	tokens map[string][]string // image base name -> texts
	delay  map[string]time.Duration
	fail   map[string]error
	calls  int
}

func (f *fakeExtractor) Name() string { return "fake" }

func (f *fakeExtractor) Extract(ctx context.Context, img string) ([]domain.Token, error) {
	base := filepath.Base(img)
	f.mu.Lock()
	f.calls++
	d, texts, err := f.delay[base], f.tokens[base], f.fail[base]
	f.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if texts == nil {
		texts = []string{"INVOICE", "SUBTOTAL", "1,200.00"}
	}
	out := make([]domain.Token, len(texts))
	for i, s := range texts {
		out[i] = domain.Token{Text: s, X: 10, Y: 10 + 20*i, Width: 60, Height: 14}
	}
	return out, nil
}

type drawCall struct {
	image   string
	indices []int
}

type fakeAnnotator struct {
	mu    sync.Mutex
	calls []drawCall
}

func (f *fakeAnnotator) Draw(img string, tokens []domain.Token, indices []int) (string, error) {
	valid := []int{}
	for _, i := range indices {
		if i >= 0 && i < len(tokens) {
			valid = append(valid, i)
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, drawCall{image: filepath.Base(img), indices: valid})
	f.mu.Unlock()
	return strings.TrimSuffix(img, filepath.Ext(img)) + "_with_bboxes.jpg", nil
}

func (f *fakeAnnotator) call(image string) (drawCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.image == image {
			return c, true
		}
	}
	return drawCall{}, false
}

type fakeUploader struct {
	mu    sync.Mutex
	names []string
	fail  string
}

func (f *fakeUploader) Put(ctx context.Context, localPath, objectName, contentType string) (string, error) {
	if contentType != storage.ContentTypeJPEG {
		return "", fmt.Errorf("content type %q", contentType)
	}
	if f.fail != "" && strings.Contains(objectName, f.fail) {
		return "", errors.New("bucket unavailable")
	}
	f.mu.Lock()
	f.names = append(f.names, objectName)
	f.mu.Unlock()
	return "stored/" + objectName, nil
}

type fixture struct {
	ws   Workspace
	rend *fakeRenderer
	rast *fakeRasterizer
	ext  *fakeExtractor
	ann  *fakeAnnotator
	up   *fakeUploader
	p    *Pipeline
}

const task = "task-1"

func newFixture(t *testing.T, files ...string) *fixture {
	t.Helper()
	ws := Workspace{Root: t.TempDir()}
	dir, err := ws.Ensure(task)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(f), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	fx := &fixture{
		ws:   ws,
		rend: &fakeRenderer{},
		rast: &fakeRasterizer{pages: map[string]int{}},
		ext:  &fakeExtractor{tokens: map[string][]string{}, delay: map[string]time.Duration{}, fail: map[string]error{}},
		ann:  &fakeAnnotator{},
		up:   &fakeUploader{},
	}
	fx.p = NewPipeline(ws, Deps{
		Renderer:   fx.rend,
		Rasterizer: fx.rast,
		Extractor:  fx.ext,
		Annotator:  fx.ann,
		Uploader:   fx.up,
	}, 4, nil)
	return fx
}

type compareFunc func(p *Pipeline, ctx context.Context, taskID, excel, pdf string) (*domain.ComparisonResult, error)

var variants = []struct {
	name string
	run  compareFunc
}{
	{"sequential", (*Pipeline).Compare},
	{"parallel", (*Pipeline).CompareParallel},
}

func pageNumbers(pages []domain.PagePair) []int {
	out := make([]int, len(pages))
	for i, p := range pages {
		out[i] = p.Page
	}
	return out
}

func TestCompareFlagsExtraPDFToken(t *testing.T) {
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			fx := newFixture(t, "invoice.xlsx", "scan.pdf")
			fx.rast.pages["invoice.pdf"] = 2
			fx.rast.pages["scan.pdf"] = 2
			fx.ext.tokens["scan_page_2.jpg"] = []string{"INVOICE", "SUBTOTAL", "1,200.00", "STAMP"}

			res, err := v.run(fx.p, context.Background(), task, "invoice.xlsx", "scan.pdf")
			if err != nil {
				t.Fatalf("compare: %v", err)
			}
			if res.PageCount != 2 || len(res.Pages) != 2 || len(res.Failures) != 0 {
				t.Fatalf("result = %+v", res)
			}
			if p := res.Pages[0]; p.ExcelDiffs != 0 || p.PDFDiffs != 0 {
				t.Fatalf("page 1 = %+v, want no diffs", p)
			}
			if p := res.Pages[1]; p.ExcelDiffs != 0 || p.PDFDiffs != 1 {
				t.Fatalf("page 2 = %+v, want one pdf diff", p)
			}
			if c, _ := fx.ann.call("scan_page_2.jpg"); !reflect.DeepEqual(c.indices, []int{3}) {
				t.Fatalf("pdf page 2 highlighted %v, want [3]", c.indices)
			}
			if c, _ := fx.ann.call("invoice_page_2.jpg"); len(c.indices) != 0 {
				t.Fatalf("excel page 2 highlighted %v, want none", c.indices)
			}

			want := []string{
				"task-1/invoice_page_1_with_bboxes.jpg",
				"task-1/invoice_page_2_with_bboxes.jpg",
				"task-1/scan_page_1_with_bboxes.jpg",
				"task-1/scan_page_2_with_bboxes.jpg",
			}
			got := append([]string(nil), fx.up.names...)
			sort.Strings(got)
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("uploads = %v, want %v", got, want)
			}
			if got := res.Pages[1].PDFImageName; got != "scan_page_2_with_bboxes.jpg" {
				t.Fatalf("page 2 pdf image = %q", got)
			}
			if got := res.Pages[1].ExcelImageName; got != "invoice_page_2_with_bboxes.jpg" {
				t.Fatalf("page 2 excel image = %q", got)
			}
			if got := res.Pages[1].PDFObject; got != "stored/task-1/scan_page_2_with_bboxes.jpg" {
				t.Fatalf("page 2 pdf object = %q", got)
			}
		})
	}
}

func TestCompareParallelKeepsPageOrder(t *testing.T) {
	fx := newFixture(t, "invoice.xlsx", "scan.pdf")
	fx.rast.pages["invoice.pdf"] = 5
	fx.rast.pages["scan.pdf"] = 5
	fx.ext.delay["scan_page_3.jpg"] = 150 * time.Millisecond

	res, err := fx.p.CompareParallel(context.Background(), task, "invoice.xlsx", "scan.pdf")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if got := pageNumbers(res.Pages); !reflect.DeepEqual(got, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("page order = %v", got)
	}
}

func TestComparePageMismatch(t *testing.T) {
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			fx := newFixture(t, "invoice.xlsx", "scan.pdf")
			fx.rast.pages["invoice.pdf"] = 3
			fx.rast.pages["scan.pdf"] = 4

			res, err := v.run(fx.p, context.Background(), task, "invoice.xlsx", "scan.pdf")
			var f *domain.Failure
			if !errors.As(err, &f) || f.Kind != domain.FailurePageMismatch {
				t.Fatalf("want page mismatch, got %v", err)
			}
			if f.ExcelPages != 3 || f.PDFPages != 4 {
				t.Fatalf("counts = (%d,%d), want (3,4)", f.ExcelPages, f.PDFPages)
			}
			if res != nil {
				t.Fatalf("mismatch must not produce pages: %+v", res)
			}
			if fx.ext.calls != 0 {
				t.Fatalf("extractor ran %d times before validation", fx.ext.calls)
			}
		})
	}
}

func TestCompareRenamesCollidingStem(t *testing.T) {
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			fx := newFixture(t, "report.xlsx", "report.pdf")
			fx.rast.pages["report_RENAMED.pdf"] = 1
			fx.rast.pages["report.pdf"] = 1
			dir := fx.ws.Dir(task)

			if _, err := v.run(fx.p, context.Background(), task, "report.xlsx", "report.pdf"); err != nil {
				t.Fatalf("compare: %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, "report_RENAMED.xlsx")); err != nil {
				t.Fatalf("renamed spreadsheet missing: %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, "report.xlsx")); !os.IsNotExist(err) {
				t.Fatalf("original spreadsheet name still present: %v", err)
			}
			if b, _ := os.ReadFile(filepath.Join(dir, "report.pdf")); string(b) != "report.pdf" {
				t.Fatalf("input pdf was overwritten: %q", b)
			}
			if len(fx.rend.calls) != 1 || filepath.Base(fx.rend.calls[0]) != "report_RENAMED.xlsx" {
				t.Fatalf("renderer calls = %v", fx.rend.calls)
			}
		})
	}
}

func TestComparePartialFailure(t *testing.T) {
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			fx := newFixture(t, "invoice.xlsx", "scan.pdf")
			fx.rast.pages["invoice.pdf"] = 3
			fx.rast.pages["scan.pdf"] = 3
			fx.ext.fail["scan_page_2.jpg"] = domain.RecognitionFailure("model refused", nil)

			res, err := v.run(fx.p, context.Background(), task, "invoice.xlsx", "scan.pdf")
			if err != nil {
				t.Fatalf("partial failure should not error: %v", err)
			}
			if got := pageNumbers(res.Pages); !reflect.DeepEqual(got, []int{1, 3}) {
				t.Fatalf("pages = %v, want [1 3]", got)
			}
			if len(res.Failures) != 1 || res.Failures[0].Page != 2 || res.Failures[0].Kind != domain.FailureRecognition {
				t.Fatalf("failures = %+v", res.Failures)
			}
			if !res.Partial() {
				t.Fatalf("result should be partial")
			}
		})
	}
}

func TestCompareUploadFailureIsPageScoped(t *testing.T) {
	fx := newFixture(t, "invoice.xlsx", "scan.pdf")
	fx.rast.pages["invoice.pdf"] = 2
	fx.rast.pages["scan.pdf"] = 2
	fx.up.fail = "scan_page_1"

	res, err := fx.p.CompareParallel(context.Background(), task, "invoice.xlsx", "scan.pdf")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(res.Failures) != 1 || res.Failures[0].Stage != "upload" || res.Failures[0].Kind != domain.FailureStorage {
		t.Fatalf("failures = %+v", res.Failures)
	}
}

func TestCompareAllPagesFailed(t *testing.T) {
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			fx := newFixture(t, "invoice.xlsx", "scan.pdf")
			fx.rast.pages["invoice.pdf"] = 2
			fx.rast.pages["scan.pdf"] = 2
			boom := errors.New("ocr crashed")
			fx.ext.fail["invoice_page_1.jpg"] = boom
			fx.ext.fail["invoice_page_2.jpg"] = boom

			res, err := v.run(fx.p, context.Background(), task, "invoice.xlsx", "scan.pdf")
			if domain.KindOf(err) != domain.FailureAllPagesFailed {
				t.Fatalf("want all pages failed, got %v", err)
			}
			if !errors.Is(err, boom) {
				t.Fatalf("first page error should be in the chain: %v", err)
			}
			if res == nil || len(res.Pages) != 0 || len(res.Failures) != 2 {
				t.Fatalf("result = %+v", res)
			}
		})
	}
}

func TestCompareRenderFailure(t *testing.T) {
	fx := newFixture(t, "invoice.xlsx", "scan.pdf")
	fx.rend.err = domain.RenderFailure("render timed out after 1m0s", context.DeadlineExceeded)
	var states []State
	fx.p.SetObserver(func(taskID string, s State) { states = append(states, s) })

	_, err := fx.p.CompareParallel(context.Background(), task, "invoice.xlsx", "scan.pdf")
	if domain.KindOf(err) != domain.FailureRender {
		t.Fatalf("want render failure, got %v", err)
	}
	if want := []State{StateNamesResolved, StateFailed}; !reflect.DeepEqual(states, want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestCompareMissingInput(t *testing.T) {
	fx := newFixture(t, "invoice.xlsx")
	_, err := fx.p.Compare(context.Background(), task, "invoice.xlsx", "scan.pdf")
	if domain.KindOf(err) != domain.FailureNotFound {
		t.Fatalf("want not found, got %v", err)
	}
	if len(fx.rend.calls) != 0 {
		t.Fatalf("renderer should not run")
	}
}

func TestCompareStateSequence(t *testing.T) {
	fx := newFixture(t, "invoice.xlsx", "scan.pdf")
	fx.rast.pages["invoice.pdf"] = 1
	fx.rast.pages["scan.pdf"] = 1
	var states []State
	fx.p.SetObserver(func(taskID string, s State) { states = append(states, s) })

	if _, err := fx.p.Compare(context.Background(), task, "invoice.xlsx", "scan.pdf"); err != nil {
		t.Fatal(err)
	}
	want := []State{StateNamesResolved, StateRendered, StateRasterized, StatePagesValidated, StatePerPageProcessing, StateCompleted}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
}

func TestCompareRejectsBadTaskID(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.p.Compare(context.Background(), "../etc", "a.xlsx", "b.pdf"); err == nil {
		t.Fatalf("expected error for traversal task id")
	}
}
