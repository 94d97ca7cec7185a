// Package compare runs the page-by-page visual comparison of a spreadsheet and a PDF.
package compare

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"docdiff/domain"
	"docdiff/extract"
	"docdiff/obs"
	"docdiff/raster"
	"docdiff/render"
	"docdiff/storage"
	"docdiff/textdiff"
)

// Annotator writes a highlighted copy of an image and returns its path.
type Annotator interface {
	Draw(imagePath string, tokens []domain.Token, indices []int) (string, error)
}

// Uploader stores a local file under an object name.
type Uploader interface {
	Put(ctx context.Context, localPath, objectName, contentType string) (string, error)
}

type Deps struct {
	Renderer   render.Renderer
	Rasterizer raster.Rasterizer
	Extractor  extract.Extractor
	Annotator  Annotator
	Uploader   Uploader
}

type Pipeline struct {
	ws       Workspace
	deps     Deps
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
	inflight chan struct{}
}

func NewPipeline(ws Workspace, deps Deps, maxInflight int, logger *slog.Logger) *Pipeline {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		ws:       ws,
		deps:     deps,
		logger:   logger,
		tracer:   obs.Tracer("docdiff/compare"),
		inflight: make(chan struct{}, maxInflight),
	}
}

// SetObserver installs a state-change hook. Call before the first run.
func (p *Pipeline) SetObserver(o Observer) { p.observer = o }

// acquireInflight bounds the CPU-heavy steps across every page and run of this pipeline.
func (p *Pipeline) acquireInflight(ctx context.Context) error {
	select {
	case p.inflight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) releaseInflight() {
	select {
	case <-p.inflight:
	default:
	}
}

type run struct {
	p      *Pipeline
	taskID string
	state  State
	logger *slog.Logger
}

func (p *Pipeline) newRun(taskID, excelName, pdfName string, parallel bool) *run {
	r := &run{
		p:      p,
		taskID: taskID,
		state:  StateNotStarted,
		logger: p.logger.With("taskId", taskID, "excel", excelName, "pdf", pdfName, "parallel", parallel),
	}
	return r
}

func (r *run) to(s State) {
	r.state = s
	r.logger.Debug("compare state", "state", s)
	if r.p.observer != nil {
		r.p.observer(r.taskID, s)
	}
}

func (r *run) fail(err error) error {
	r.to(StateFailed)
	obs.RecordFailure(string(domain.KindOf(err)))
	r.logger.Error("compare failed", "err", err, "kind", domain.KindOf(err))
	return err
}

// stage runs fn inside a span and records its duration. pooled steps wait for an inflight slot.
func (p *Pipeline) stage(ctx context.Context, name string, page int, pooled bool, fn func(ctx context.Context) error) (err error) {
	ctx, end := obs.StartStage(ctx, p.tracer, name, page)
	defer func() { end(err) }()

	if pooled {
		if err := p.acquireInflight(ctx); err != nil {
			return err
		}
		defer p.releaseInflight()
	}
	return fn(ctx)
}

// resolve locates both inputs and applies the stem-collision guard: when the spreadsheet
// and the PDF share a stem, rendering would overwrite the PDF, so the spreadsheet is
// renamed to "{stem}_RENAMED{ext}" first.
func (p *Pipeline) resolve(taskID, excelName, pdfName string) (excelPath, pdfPath string, err error) {
	if err := validTaskID(taskID); err != nil {
		return "", "", err
	}
	dir := p.ws.Dir(taskID)
	excelName, pdfName = filepath.Base(excelName), filepath.Base(pdfName)
	excelPath = filepath.Join(dir, excelName)
	pdfPath = filepath.Join(dir, pdfName)

	for _, f := range []string{excelPath, pdfPath} {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", "", domain.NotFoundFailure("resolve", f)
			}
			return "", "", domain.UnreadableFailure("resolve", "stat input", err)
		}
	}

	excelExt := filepath.Ext(excelName)
	excelStem := strings.TrimSuffix(excelName, excelExt)
	pdfStem := strings.TrimSuffix(pdfName, filepath.Ext(pdfName))
	if excelStem == pdfStem {
		renamed := filepath.Join(dir, excelStem+"_RENAMED"+excelExt)
		if err := os.Rename(excelPath, renamed); err != nil {
			return "", "", domain.UnreadableFailure("resolve", "rename colliding spreadsheet", err)
		}
		p.logger.Info("renamed spreadsheet to avoid stem collision", "taskId", taskID, "from", excelName, "to", filepath.Base(renamed))
		excelPath = renamed
	}
	return excelPath, pdfPath, nil
}

func (p *Pipeline) render(ctx context.Context, excelPath string) (string, error) {
	var out string
	err := p.stage(ctx, "render", 0, true, func(ctx context.Context) error {
		var err error
		out, err = p.deps.Renderer.Render(ctx, excelPath)
		return err
	})
	return out, err
}

func (p *Pipeline) rasterize(ctx context.Context, pdfPath string) (raster.Pages, error) {
	var pages raster.Pages
	err := p.stage(ctx, "rasterize", 0, true, func(ctx context.Context) error {
		var err error
		pages, err = p.deps.Rasterizer.Rasterize(ctx, pdfPath)
		return err
	})
	return pages, err
}

// Compare runs every stage one after another.
func (p *Pipeline) Compare(ctx context.Context, taskID, excelName, pdfName string) (*domain.ComparisonResult, error) {
	r := p.newRun(taskID, excelName, pdfName, false)

	excelPath, pdfPath, err := p.resolve(taskID, excelName, pdfName)
	if err != nil {
		return nil, r.fail(err)
	}
	r.to(StateNamesResolved)

	renderedPDF, err := p.render(ctx, excelPath)
	if err != nil {
		return nil, r.fail(err)
	}
	r.to(StateRendered)

	excelPages, err := p.rasterize(ctx, renderedPDF)
	if err != nil {
		return nil, r.fail(err)
	}
	pdfPages, err := p.rasterize(ctx, pdfPath)
	if err != nil {
		return nil, r.fail(err)
	}
	r.to(StateRasterized)

	if excelPages.Count() != pdfPages.Count() {
		return nil, r.fail(domain.PageMismatchFailure(excelPages.Count(), pdfPages.Count()))
	}
	r.to(StatePagesValidated)

	r.to(StatePerPageProcessing)
	outcomes := make([]pageOutcome, excelPages.Count())
	for i := range outcomes {
		outcomes[i] = p.comparePage(ctx, taskID, i+1, excelPages.Paths[i], pdfPages.Paths[i], false)
	}
	return r.finish(excelName, pdfName, outcomes)
}

type pageOutcome struct {
	pair  domain.PagePair
	stage string
	err   error
}

// comparePage extracts, diffs, annotates and uploads one page. With concurrent set, the two
// sides of each step run at the same time.
func (p *Pipeline) comparePage(ctx context.Context, taskID string, page int, excelImg, pdfImg string, concurrent bool) pageOutcome {
	logger := p.logger.With("taskId", taskID, "page", page)
	fail := func(stage string, err error) pageOutcome {
		return pageOutcome{pair: domain.PagePair{Page: page}, stage: stage, err: err}
	}

	var excelTokens, pdfTokens []domain.Token
	err := both(ctx, concurrent,
		func(ctx context.Context) error {
			return p.stage(ctx, "extract", page, true, func(ctx context.Context) error {
				var err error
				excelTokens, err = p.deps.Extractor.Extract(ctx, excelImg)
				return err
			})
		},
		func(ctx context.Context) error {
			return p.stage(ctx, "extract", page, true, func(ctx context.Context) error {
				var err error
				pdfTokens, err = p.deps.Extractor.Extract(ctx, pdfImg)
				return err
			})
		},
	)
	if err != nil {
		return fail("extract", err)
	}

	diff := textdiff.DiffTokens(excelTokens, pdfTokens)
	logger.Debug("page diffed", "excelTokens", len(excelTokens), "pdfTokens", len(pdfTokens),
		"excelDiffs", len(diff.Excel), "pdfDiffs", len(diff.PDF))

	var excelOut, pdfOut string
	err = both(ctx, concurrent,
		func(ctx context.Context) error {
			return p.stage(ctx, "annotate", page, true, func(context.Context) error {
				var err error
				excelOut, err = p.deps.Annotator.Draw(excelImg, excelTokens, diff.Excel)
				return err
			})
		},
		func(ctx context.Context) error {
			return p.stage(ctx, "annotate", page, true, func(context.Context) error {
				var err error
				pdfOut, err = p.deps.Annotator.Draw(pdfImg, pdfTokens, diff.PDF)
				return err
			})
		},
	)
	if err != nil {
		return fail("annotate", err)
	}

	excelFile, pdfFile := filepath.Base(excelOut), filepath.Base(pdfOut)
	var excelObj, pdfObj string
	err = both(ctx, concurrent,
		func(ctx context.Context) error {
			return p.stage(ctx, "upload", page, false, func(ctx context.Context) error {
				var err error
				excelObj, err = p.upload(ctx, excelOut, storage.ObjectName(taskID, excelFile))
				return err
			})
		},
		func(ctx context.Context) error {
			return p.stage(ctx, "upload", page, false, func(ctx context.Context) error {
				var err error
				pdfObj, err = p.upload(ctx, pdfOut, storage.ObjectName(taskID, pdfFile))
				return err
			})
		},
	)
	if err != nil {
		return fail("upload", err)
	}

	return pageOutcome{pair: domain.PagePair{
		Page:           page,
		ExcelImageName: excelFile,
		PDFImageName:   pdfFile,
		ExcelObject:    excelObj,
		PDFObject:      pdfObj,
		ExcelDiffs:     len(diff.Excel),
		PDFDiffs:       len(diff.PDF),
	}}
}

func (p *Pipeline) upload(ctx context.Context, localPath, objectName string) (string, error) {
	stored, err := p.deps.Uploader.Put(ctx, localPath, objectName, storage.ContentTypeJPEG)
	if err != nil {
		return "", domain.StorageFailure("upload "+objectName, err)
	}
	return stored, nil
}

// finish folds page outcomes (already in page order) into the result.
func (r *run) finish(excelName, pdfName string, outcomes []pageOutcome) (*domain.ComparisonResult, error) {
	res := &domain.ComparisonResult{
		TaskID:    r.taskID,
		ExcelName: excelName,
		PDFName:   pdfName,
		PageCount: len(outcomes),
		Pages:     make([]domain.PagePair, 0, len(outcomes)),
	}
	var firstErr error
	for _, o := range outcomes {
		obs.RecordPage(o.err == nil)
		if o.err == nil {
			res.Pages = append(res.Pages, o.pair)
			continue
		}
		if firstErr == nil {
			firstErr = o.err
		}
		kind := domain.KindOf(o.err)
		if kind == "" {
			kind = defaultKind(o.stage)
		}
		obs.RecordFailure(string(kind))
		r.logger.Warn("page failed", "page", o.pair.Page, "stage", o.stage, "kind", kind, "err", o.err)
		res.Failures = append(res.Failures, domain.PageFailure{
			Page:  o.pair.Page,
			Kind:  kind,
			Stage: o.stage,
			Error: o.err.Error(),
		})
	}

	if len(outcomes) > 0 && len(res.Pages) == 0 {
		// The result still carries every page failure for the caller to report.
		return res, r.fail(domain.AllPagesFailedFailure(len(outcomes), firstErr))
	}
	r.to(StateCompleted)
	if len(res.Failures) > 0 {
		r.logger.Warn("compare finished with page failures", "pages", len(res.Pages), "failed", len(res.Failures))
	} else {
		r.logger.Info("compare finished", "pages", len(res.Pages))
	}
	return res, nil
}

func defaultKind(stage string) domain.FailureKind {
	switch stage {
	case "extract":
		return domain.FailureRecognition
	case "upload":
		return domain.FailureStorage
	default:
		return domain.FailureUnreadable
	}
}
