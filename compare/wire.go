package compare

import (
	"context"
	"log/slog"

	"docdiff/annotate"
	"docdiff/config"
	"docdiff/extract"
	"docdiff/raster"
	"docdiff/render"
	"docdiff/storage"
)

// NewPipelineFromConfig wires the production stages: soffice, MuPDF, the configured
// extractor, the red-box painter and the configured object store.
func NewPipelineFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Pipeline, storage.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	objects, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	ex, err := extract.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	deps := Deps{
		Renderer:   render.NewSoffice(cfg.RenderBin, cfg.RenderTimeout, logger),
		Rasterizer: raster.NewFitz(cfg.RasterDPI, logger),
		Extractor:  ex,
		Annotator:  annotate.NewPainter(),
		Uploader:   objects,
	}
	return NewPipeline(Workspace{Root: cfg.WorkspaceRoot}, deps, cfg.MaxInflight, logger), objects, nil
}
