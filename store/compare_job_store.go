// Package store keeps compare job records shared by the CLI and compare-worker replicas.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"docdiff/domain"
)

// ErrJobExists is returned by Create when the id is already taken.
var ErrJobExists = errors.New("compare job already exists")

// CompareJobStore is the shared state store for compare jobs.
//
// NOTE: inputs and annotated images live in object storage; this store only keeps job
// status and the comparison result across pods and restarts.
type CompareJobStore interface {
	Create(job *domain.CompareJob) error
	Get(id string) (*domain.CompareJob, bool, error)
	Update(id string, fn func(j *domain.CompareJob)) (*domain.CompareJob, bool, error)
	// ListByTask returns the jobs submitted for a task, oldest first.
	ListByTask(taskID string) ([]*domain.CompareJob, error)
}

type InMemoryCompareJobStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.CompareJob
}

func NewInMemoryCompareJobStore() *InMemoryCompareJobStore {
	return &InMemoryCompareJobStore{jobs: make(map[string]*domain.CompareJob)}
}

func (s *InMemoryCompareJobStore) Create(job *domain.CompareJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job/id 为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryCompareJobStore) Get(id string) (*domain.CompareJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j == nil {
		return nil, false, nil
	}
	// Return a copy to avoid accidental mutation/data races outside the lock.
	cp := *j
	return &cp, true, nil
}

func (s *InMemoryCompareJobStore) Update(id string, fn func(j *domain.CompareJob)) (*domain.CompareJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	fn(j)
	cp := *j
	return &cp, true, nil
}

func (s *InMemoryCompareJobStore) ListByTask(taskID string) ([]*domain.CompareJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.CompareJob
	for _, j := range s.jobs {
		if j.TaskID == taskID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sortJobs(out)
	return out, nil
}

func sortJobs(jobs []*domain.CompareJob) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

// compareJobRecord is the stored JSON shape. It is kept apart from domain.CompareJob so
// the wire format does not follow every change to the domain type.
type compareJobRecord struct {
	ID        string                  `json:"id"`
	Status    domain.CompareJobStatus `json:"status"`
	CreatedAt time.Time               `json:"createdAt"`

	TaskID    string `json:"taskId"`
	ExcelName string `json:"excelName"`
	PDFName   string `json:"pdfName"`
	Parallel  bool   `json:"parallel"`

	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Result *domain.ComparisonResult `json:"result,omitempty"`

	Error     string             `json:"error,omitempty"`
	ErrorKind domain.FailureKind `json:"errorKind,omitempty"`
}

func recordFromJob(j *domain.CompareJob) compareJobRecord {
	if j == nil {
		return compareJobRecord{}
	}
	return compareJobRecord{
		ID:         j.ID,
		Status:     j.Status,
		CreatedAt:  j.CreatedAt,
		TaskID:     j.TaskID,
		ExcelName:  j.ExcelName,
		PDFName:    j.PDFName,
		Parallel:   j.Parallel,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Result:     j.Result,
		Error:      j.Error,
		ErrorKind:  j.ErrorKind,
	}
}

func jobFromRecord(r compareJobRecord) *domain.CompareJob {
	return &domain.CompareJob{
		ID:         r.ID,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		TaskID:     r.TaskID,
		ExcelName:  r.ExcelName,
		PDFName:    r.PDFName,
		Parallel:   r.Parallel,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Result:     r.Result,
		Error:      r.Error,
		ErrorKind:  r.ErrorKind,
	}
}

type RedisStoreOptions struct {
	// KeyPrefix defaults to "docdiff:comparejob:".
	KeyPrefix string
	// TTL applies to job records and task indexes. Defaults to 7 days.
	TTL    time.Duration
	Logger *slog.Logger
}

type RedisCompareJobStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisCompareJobStore(rdb *redis.Client, opts RedisStoreOptions) (*RedisCompareJobStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client 为空")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "docdiff:comparejob:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	opts.Logger.Info("compare job store: redis enabled", "addr", rdb.Options().Addr, "db", rdb.Options().DB, "ttl", opts.TTL.String())

	return &RedisCompareJobStore{
		rdb:       rdb,
		keyPrefix: opts.KeyPrefix,
		ttl:       opts.TTL,
	}, nil
}

func (s *RedisCompareJobStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisCompareJobStore) taskKey(taskID string) string {
	return s.keyPrefix + "task:" + strings.TrimSpace(taskID)
}

func (s *RedisCompareJobStore) Create(job *domain.CompareJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return errors.New("job/id 为空")
	}
	b, err := json.Marshal(recordFromJob(job))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	created, err := s.rdb.SetNX(ctx, s.key(job.ID), b, s.ttl).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrJobExists
	}
	if strings.TrimSpace(job.TaskID) == "" {
		return nil
	}
	// The task index is a sorted set scored by creation time; it only points at job keys
	// and is refreshed with the same TTL.
	tk := s.taskKey(job.TaskID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, tk, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
		pipe.Expire(ctx, tk, s.ttl)
		return nil
	})
	return err
}

func (s *RedisCompareJobStore) Get(id string) (*domain.CompareJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return decodeJob(val)
}

func decodeJob(val string) (*domain.CompareJob, bool, error) {
	var rec compareJobRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return jobFromRecord(rec), true, nil
}

func (s *RedisCompareJobStore) ListByTask(taskID string) ([]*domain.CompareJob, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	ids, err := s.rdb.ZRange(ctx, s.taskKey(taskID), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.CompareJob, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// expired record still referenced by the index
			continue
		}
		j, _, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

func (s *RedisCompareJobStore) Update(id string, fn func(j *domain.CompareJob)) (*domain.CompareJob, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn 为空")
	}

	key := s.key(id)

	var out *domain.CompareJob
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			j, _, err := decodeJob(val)
			if err != nil {
				return err
			}
			fn(j)
			out = j
			ok = true

			nb, err := json.Marshal(recordFromJob(j))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}
