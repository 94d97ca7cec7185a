package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docdiff/domain"
	"docdiff/redislock"
	"docdiff/storage"
	"docdiff/store"
	"docdiff/streamq"
)

// Runner is the part of Pipeline the worker drives.
type Runner interface {
	Compare(ctx context.Context, taskID, excelName, pdfName string) (*domain.ComparisonResult, error)
	CompareParallel(ctx context.Context, taskID, excelName, pdfName string) (*domain.ComparisonResult, error)
}

var errLockLost = errors.New("compare job lock lost")

type Worker struct {
	store    store.CompareJobStore
	ws       Workspace
	objects  ObjectLister
	runner   Runner
	lock     *redislock.Client
	lockTTL  time.Duration
	lockKick time.Duration
	inflight chan struct{}
	logger   *slog.Logger
}

type WorkerOptions struct {
	MaxInflight int
	LockTTL     time.Duration
	LockRefresh time.Duration
}

func NewWorker(st store.CompareJobStore, ws Workspace, objects ObjectLister, runner Runner, lock *redislock.Client, opts WorkerOptions, logger *slog.Logger) *Worker {
	maxInflight := opts.MaxInflight
	if maxInflight <= 0 {
		maxInflight = 1
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * time.Hour
	}
	lockKick := opts.LockRefresh
	if lockKick <= 0 {
		lockKick = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    st,
		ws:       ws,
		objects:  objects,
		runner:   runner,
		lock:     lock,
		lockTTL:  lockTTL,
		lockKick: lockKick,
		inflight: make(chan struct{}, maxInflight),
		logger:   logger,
	}
}

func (w *Worker) acquireInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	w.inflight <- struct{}{}
}

func (w *Worker) releaseInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	select {
	case <-w.inflight:
	default:
	}
}

// Process runs one compare job. Returned errors wrapped with streamq.Terminal are ACKed;
// anything else stays pending and is retried by another consumer.
func (w *Worker) Process(ctx context.Context, jobID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if w == nil || w.store == nil {
		return errors.New("worker store not initialized")
	}
	w.acquireInflight()
	defer w.releaseInflight()

	logger := w.logger.With("jobId", jobID)

	// Distributed lock: prevent duplicate processing across multiple compare-worker replicas.
	if w.lock != nil {
		lockKey := w.lock.Key(jobID)
		lease, ok, err := w.lock.Hold(ctx, lockKey, w.lockTTL, w.lockKick)
		if err != nil {
			// transient: keep pending
			return err
		}
		if !ok {
			// Likely a duplicate enqueue; ACK and move on.
			return streamq.Terminal(fmt.Errorf("job locked: %s", lockKey))
		}
		defer lease.Release()

		// Another replica owns the job once the lease is lost; stop rendering/OCR for it.
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		go func() {
			select {
			case <-lease.Lost():
				cancel(errLockLost)
			case <-ctx.Done():
			}
		}()
	}

	job, ok, err := w.store.Get(jobID)
	if err != nil {
		return err
	}
	if !ok {
		return streamq.Terminal(fmt.Errorf("job not found: %s", jobID))
	}
	if job.Status.Done() {
		return streamq.Terminal(nil)
	}
	if w.objects == nil || w.runner == nil {
		return streamq.Terminal(w.fail(jobID, errors.New("worker storage/pipeline not initialized")))
	}
	if strings.TrimSpace(job.TaskID) == "" || strings.TrimSpace(job.ExcelName) == "" || strings.TrimSpace(job.PDFName) == "" {
		return streamq.Terminal(w.fail(jobID, errors.New("taskId/excelName/pdfName is empty")))
	}

	// Mark as processing (best-effort).
	now := time.Now()
	_, _, _ = w.store.Update(jobID, func(j *domain.CompareJob) {
		if j.Status == domain.CompareJobStatusCancelled {
			return
		}
		j.Status = domain.CompareJobStatusProcessing
		j.StartedAt = &now
		j.Error = ""
		j.ErrorKind = ""
	})

	files, err := LoadDocumentSet(ctx, w.objects, w.ws, job.TaskID)
	if err != nil {
		return streamq.Terminal(w.fail(jobID, domain.NewFailure(domain.FailureStorage, "load", "download task files failed", err)))
	}
	logger.Info("document set loaded", "taskId", job.TaskID, "files", len(files))

	var res *domain.ComparisonResult
	if job.Parallel {
		res, err = w.runner.CompareParallel(ctx, job.TaskID, job.ExcelName, job.PDFName)
	} else {
		res, err = w.runner.Compare(ctx, job.TaskID, job.ExcelName, job.PDFName)
	}
	if ctx.Err() != nil {
		// shutting down or lock lost: leave the message pending for another replica
		logger.Warn("compare interrupted", "cause", context.Cause(ctx))
		return context.Cause(ctx)
	}
	if res != nil {
		w.signPages(res, logger)
	}

	// Refresh job state after comparing (Cancelled may change concurrently).
	finished := time.Now()
	_, _, _ = w.store.Update(jobID, func(j *domain.CompareJob) {
		if j.Status == domain.CompareJobStatusCancelled {
			return
		}
		j.Result = res
		j.FinishedAt = &finished
		switch {
		case err != nil:
			j.Status = domain.CompareJobStatusFailed
			j.Error = err.Error()
			j.ErrorKind = domain.KindOf(err)
		case res.Partial():
			j.Status = domain.CompareJobStatusPartial
		default:
			j.Status = domain.CompareJobStatusReady
		}
	})
	if err != nil {
		return streamq.Terminal(err)
	}
	return streamq.Terminal(nil)
}

func (w *Worker) signPages(res *domain.ComparisonResult, logger *slog.Logger) {
	signer, ok := w.objects.(storage.Signer)
	if !ok {
		return
	}
	sign := func(object string) string {
		if object == "" {
			return ""
		}
		url, err := signer.SignURL(object)
		if err != nil {
			logger.Warn("sign url failed", "object", object, "err", err)
		}
		return url
	}
	for i := range res.Pages {
		p := &res.Pages[i]
		p.ExcelImageURL = sign(p.ExcelObject)
		p.PDFImageURL = sign(p.PDFObject)
	}
}

func (w *Worker) fail(jobID string, err error) error {
	if strings.TrimSpace(jobID) == "" {
		return err
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	finished := time.Now()
	_, _, _ = w.store.Update(jobID, func(j *domain.CompareJob) {
		j.Status = domain.CompareJobStatusFailed
		j.Error = msg
		j.ErrorKind = domain.KindOf(err)
		j.FinishedAt = &finished
	})
	return err
}
