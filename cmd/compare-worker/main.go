package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"docdiff/compare"
	"docdiff/config"
	"docdiff/obs"
	"docdiff/redislock"
	"docdiff/store"
	"docdiff/streamq"
)

func main() {
	cfg := config.Load()
	shutdownObs, logger := obs.Init("compare-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	if cfg.RedisAddr == "" {
		log.Fatalf("REDIS_ADDR 为空")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	jobStore, err := store.NewRedisCompareJobStore(rdb, store.RedisStoreOptions{TTL: cfg.JobTTL, Logger: logger})
	if err != nil {
		log.Fatalf("init redis store failed: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	pipeline, objects, err := compare.NewPipelineFromConfig(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init pipeline failed: %v", err)
	}
	pipeline.SetObserver(func(taskID string, s compare.State) {
		logger.Debug("compare state", "taskId", taskID, "state", s)
	})

	q := streamq.NewRedisStreamQueue(rdb, cfg.StreamKey, cfg.StreamGroup, cfg.StreamMaxLen)
	if err := q.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	lock := redislock.New(rdb, cfg.LockPrefix)
	worker := compare.NewWorker(jobStore, compare.Workspace{Root: cfg.WorkspaceRoot}, objects, pipeline, lock, compare.WorkerOptions{
		MaxInflight: cfg.StreamConcur,
		LockTTL:     cfg.LockTTL,
		LockRefresh: cfg.LockRefresh,
	}, logger)

	cons := streamq.NewConsumer(rdb, streamq.ConsumerOptions{
		Stream:        cfg.StreamKey,
		Group:         cfg.StreamGroup,
		Name:          cfg.ConsumerName,
		Concurrency:   cfg.StreamConcur,
		ClaimMinIdle:  cfg.ClaimIdle,
		MaxDeliveries: cfg.MaxDeliveries,
	})
	log.Printf("compare-worker start stream=%s group=%s consumer=%s storage=%s", cfg.StreamKey, cfg.StreamGroup, cfg.ConsumerName, cfg.StorageBackend)

	go serveMetrics(cfg.MetricsAddr)

	err = cons.ConsumeLoop(ctx, func(ctx context.Context, m streamq.Message) error {
		// handler should never crash the loop; all failures are persisted to job store.
		if m.Deliveries > 1 {
			logger.Warn("redelivered compare job", "jobId", m.JobID, "taskId", m.TaskID, "deliveries", m.Deliveries)
		}
		start := time.Now()
		err := worker.Process(ctx, m.JobID)
		obs.RecordWorkerJob("compare-worker", start, jobError(err))
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("consume loop exited: %v", err)
	}
}

// jobError drops the terminal wrapper around a successful run.
func jobError(err error) error {
	if streamq.IsTerminal(err) && errors.Unwrap(err) == nil {
		return nil
	}
	return err
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("compare-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
