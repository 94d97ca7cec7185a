package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"docdiff/domain"
	"docdiff/redislock"
	"docdiff/store"
	"docdiff/streamq"
)

var (
	submitTask     string
	submitExcel    string
	submitPDF      string
	submitParallel bool

	statusTask string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a compare job for the compare-worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, jobs, err := openJobStore()
		if err != nil {
			return err
		}
		defer rdb.Close()

		id, err := redislock.Token()
		if err != nil {
			return fmt.Errorf("generate job id: %w", err)
		}
		job := &domain.CompareJob{
			ID:        id,
			Status:    domain.CompareJobStatusQueued,
			CreatedAt: time.Now(),
			TaskID:    submitTask,
			ExcelName: submitExcel,
			PDFName:   submitPDF,
			Parallel:  submitParallel,
		}
		if err := jobs.Create(job); err != nil {
			return err
		}
		q := streamq.NewRedisStreamQueue(rdb, cfg.StreamKey, cfg.StreamGroup, cfg.StreamMaxLen)
		if err := q.Enqueue(cmd.Context(), streamq.Message{JobID: job.ID, TaskID: job.TaskID}); err != nil {
			// the record stays queued; mark it so "status" does not wait forever
			_, _, _ = jobs.Update(job.ID, func(j *domain.CompareJob) {
				j.Status = domain.CompareJobStatusFailed
				j.Error = "enqueue failed: " + err.Error()
			})
			return fmt.Errorf("enqueue job: %w", err)
		}
		logger.Info("compare job queued", "jobId", job.ID, "taskId", job.TaskID)
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a compare job, the jobs of a task, or the queue backlog",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 && statusTask != "" {
			return errors.New("pass either a job id or --task")
		}
		rdb, jobs, err := openJobStore()
		if err != nil {
			return err
		}
		defer rdb.Close()

		switch {
		case len(args) == 1:
			job, ok, err := jobs.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job not found: %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), job)
		case statusTask != "":
			list, err := jobs.ListByTask(statusTask)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		default:
			q := streamq.NewRedisStreamQueue(rdb, cfg.StreamKey, cfg.StreamGroup, cfg.StreamMaxLen)
			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitTask, "task", "t", "", "task id (required)")
	submitCmd.Flags().StringVar(&submitExcel, "excel", "", "workbook object name inside the task (required)")
	submitCmd.Flags().StringVar(&submitPDF, "pdf", "", "pdf object name inside the task (required)")
	submitCmd.Flags().BoolVar(&submitParallel, "parallel", true, "compare pages concurrently")
	_ = submitCmd.MarkFlagRequired("task")
	_ = submitCmd.MarkFlagRequired("excel")
	_ = submitCmd.MarkFlagRequired("pdf")

	statusCmd.Flags().StringVarP(&statusTask, "task", "t", "", "list the jobs of this task")
	rootCmd.AddCommand(submitCmd, statusCmd)
}

func openJobStore() (*redis.Client, *store.RedisCompareJobStore, error) {
	if cfg.RedisAddr == "" {
		return nil, nil, errors.New("REDIS_ADDR 为空")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	jobs, err := store.NewRedisCompareJobStore(rdb, store.RedisStoreOptions{TTL: cfg.JobTTL, Logger: logger})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return rdb, jobs, nil
}
