package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"docdiff/compare"
	"docdiff/domain"
)

var (
	compareTask     string
	compareExcel    string
	comparePDF      string
	compareParallel bool
	compareFetch    bool
	compareStorage  string
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Run the comparison pipeline for one task and print the result",
	Long: `Render the workbook to PDF, rasterize both documents, recognize text on every page and
highlight the tokens that appear in only one of them. Annotated pages are written to the
configured storage backend under <task>/.`,
	RunE: runCompare,
}

func init() {
	compareCmd.Flags().StringVarP(&compareTask, "task", "t", "", "task id (required)")
	compareCmd.Flags().StringVar(&compareExcel, "excel", "", "workbook file name inside the task (required)")
	compareCmd.Flags().StringVar(&comparePDF, "pdf", "", "pdf file name inside the task (required)")
	compareCmd.Flags().BoolVar(&compareParallel, "parallel", false, "compare pages concurrently")
	compareCmd.Flags().BoolVar(&compareFetch, "fetch", false, "download the task's objects from storage first")
	compareCmd.Flags().StringVar(&compareStorage, "storage", "local", "storage backend: local | oss | gcs")
	_ = compareCmd.MarkFlagRequired("task")
	_ = compareCmd.MarkFlagRequired("excel")
	_ = compareCmd.MarkFlagRequired("pdf")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cfg
	c.StorageBackend = compareStorage
	pipeline, objects, err := compare.NewPipelineFromConfig(ctx, c, logger)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	pipeline.SetObserver(func(taskID string, s compare.State) {
		logger.Info("state", "taskId", taskID, "state", s)
	})

	if compareFetch {
		files, err := compare.LoadDocumentSet(ctx, objects, compare.Workspace{Root: c.WorkspaceRoot}, compareTask)
		if err != nil {
			return fmt.Errorf("load document set: %w", err)
		}
		logger.Info("document set loaded", "files", files)
	}

	var res *domain.ComparisonResult
	if compareParallel {
		res, err = pipeline.CompareParallel(ctx, compareTask, compareExcel, comparePDF)
	} else {
		res, err = pipeline.Compare(ctx, compareTask, compareExcel, comparePDF)
	}
	if res != nil {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	return err
}
