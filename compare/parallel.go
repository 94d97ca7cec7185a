package compare

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"docdiff/domain"
	"docdiff/raster"
)

// CompareParallel produces the same result as Compare. Both documents are rasterized at
// once, every page runs in its own goroutine and the two sides of each page step run as a
// pair. Results are collected into page-indexed slots, so completion order never leaks into
// the output. A failing page does not cancel its siblings.
func (p *Pipeline) CompareParallel(ctx context.Context, taskID, excelName, pdfName string) (*domain.ComparisonResult, error) {
	r := p.newRun(taskID, excelName, pdfName, true)

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

	var excelPages, pdfPages raster.Pages
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		excelPages, err = p.rasterize(gctx, renderedPDF)
		return err
	})
	g.Go(func() error {
		var err error
		pdfPages, err = p.rasterize(gctx, pdfPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, r.fail(err)
	}
	r.to(StateRasterized)

	if excelPages.Count() != pdfPages.Count() {
		return nil, r.fail(domain.PageMismatchFailure(excelPages.Count(), pdfPages.Count()))
	}
	r.to(StatePagesValidated)

	r.to(StatePerPageProcessing)
	outcomes := make([]pageOutcome, excelPages.Count())
	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = p.comparePage(ctx, taskID, i+1, excelPages.Paths[i], pdfPages.Paths[i], true)
		}(i)
	}
	wg.Wait()
	return r.finish(excelName, pdfName, outcomes)
}

// both runs a and b, concurrently when asked. The first error wins; in concurrent mode it
// also cancels the context handed to the other.
func both(ctx context.Context, concurrent bool, a, b func(ctx context.Context) error) error {
	if !concurrent {
		if err := a(ctx); err != nil {
			return err
		}
		return b(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a(gctx) })
	g.Go(func() error { return b(gctx) })
	return g.Wait()
}
