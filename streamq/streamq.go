// Package streamq moves compare jobs from "docdiff submit" to compare-worker replicas over a
// Redis stream consumer group.
package streamq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Terminal marks an error as "terminal": the message should be ACKed even if err != nil.
// Failed comparisons are recorded in the job store with their failure kind; redelivering
// them would only repeat the same render/OCR work.
type TerminalError struct{ Err error }

func (e TerminalError) Error() string {
	if e.Err == nil {
		return "terminal"
	}
	return e.Err.Error()
}

func (e TerminalError) Unwrap() error { return e.Err }

func Terminal(err error) error { return TerminalError{Err: err} }

func IsTerminal(err error) bool {
	var te TerminalError
	return errors.As(err, &te)
}

// Message is one queued compare job.
type Message struct {
	StreamID string
	JobID    string
	TaskID   string

	// Deliveries is 1 on first read and grows each time the message is reclaimed from a
	// consumer that stopped without ACKing it. Only set for reclaimed messages.
	Deliveries int64
}

func (m Message) values() map[string]interface{} {
	v := map[string]interface{}{"jobId": m.JobID}
	if m.TaskID != "" {
		v["taskId"] = m.TaskID
	}
	return v
}

// parseMessage reads a stream entry. Entries without a job id are not ours.
func parseMessage(x redis.XMessage) (Message, bool) {
	field := func(k string) string {
		v, ok := x.Values[k]
		if !ok || v == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
	m := Message{StreamID: x.ID, JobID: field("jobId"), TaskID: field("taskId"), Deliveries: 1}
	return m, m.JobID != ""
}

// JobQueue is the producer side used by "docdiff submit".
type JobQueue interface {
	Enqueue(ctx context.Context, m Message) error
}

// Stats is a point-in-time view of a stream and its consumer group.
type Stats struct {
	Length     int64 `json:"length"`
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"deadLetter"`
}

type RedisStreamQueue struct {
	rdb    *redis.Client
	stream string
	group  string
	maxLen int64
}

func NewRedisStreamQueue(rdb *redis.Client, stream, group string, maxLen int64) *RedisStreamQueue {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamQueue{
		rdb:    rdb,
		stream: strings.TrimSpace(stream),
		group:  strings.TrimSpace(group),
		maxLen: maxLen,
	}
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, m Message) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue 未初始化")
	}
	m.JobID = strings.TrimSpace(m.JobID)
	if m.JobID == "" {
		return errors.New("jobID 为空")
	}
	if q.stream == "" {
		return errors.New("stream key 为空")
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: m.values(),
	}).Err()
}

func (q *RedisStreamQueue) Stats(ctx context.Context) (Stats, error) {
	if q == nil || q.rdb == nil {
		return Stats{}, errors.New("redis stream queue 未初始化")
	}
	n, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Length: n}
	if dead, err := q.rdb.XLen(ctx, DeadLetterStream(q.stream)).Result(); err == nil {
		st.DeadLetter = dead
	}
	p, err := q.rdb.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		// NOGROUP: nobody consumed yet
		if isRedisCode(err, "nogroup") {
			return st, nil
		}
		return st, err
	}
	st.Pending = p.Count
	return st, nil
}

func (q *RedisStreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil || q.rdb == nil {
		return errors.New("redis stream queue 未初始化")
	}
	if q.stream == "" || q.group == "" {
		return errors.New("stream/group 为空")
	}
	// MKSTREAM: create stream automatically if it doesn't exist.
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil || isRedisCode(err, "busygroup") {
		return nil
	}
	return err
}

func isRedisCode(err error, code string) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), code)
}

// DeadLetterStream is where messages past their delivery limit are parked.
func DeadLetterStream(stream string) string { return stream + ":dead" }

type Handler func(ctx context.Context, m Message) error

type ConsumerOptions struct {
	Stream string
	Group  string
	Name   string

	// Concurrency <= 1 runs handlers inline.
	Concurrency int
	Block       time.Duration
	BatchSize   int64

	// Messages idle longer than ClaimMinIdle are taken over from dead consumers every
	// ClaimEvery.
	ClaimMinIdle time.Duration
	ClaimEvery   time.Duration

	// MaxDeliveries moves a reclaimed message to the dead-letter stream once it has been
	// delivered more often than this. 0 disables the limit.
	MaxDeliveries int64
}

type Consumer struct {
	logger *slog.Logger
	rdb    *redis.Client
	opts   ConsumerOptions
	concur chan struct{}
	wg     sync.WaitGroup

	claimStart      string
	lastClaimedTime time.Time
}

func NewConsumer(rdb *redis.Client, opts ConsumerOptions) *Consumer {
	opts.Stream = strings.TrimSpace(opts.Stream)
	opts.Group = strings.TrimSpace(opts.Group)
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		opts.Name = "c-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	if opts.Block <= 0 {
		opts.Block = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = 30 * time.Second
	}
	if opts.ClaimEvery <= 0 {
		opts.ClaimEvery = 3 * time.Second
	}
	c := &Consumer{
		logger:     slog.Default().With("stream", opts.Stream, "consumer", opts.Name),
		rdb:        rdb,
		opts:       opts,
		claimStart: "0-0",
	}
	if opts.Concurrency > 1 {
		c.concur = make(chan struct{}, opts.Concurrency)
	}
	return c
}

// ConsumeLoop reads until ctx is cancelled, then waits for running handlers and returns
// ctx.Err().
func (c *Consumer) ConsumeLoop(ctx context.Context, handler Handler) error {
	if c == nil || c.rdb == nil {
		return errors.New("consumer 未初始化")
	}
	if c.opts.Stream == "" || c.opts.Group == "" {
		return errors.New("stream/group 为空")
	}
	if handler == nil {
		return errors.New("handler 为空")
	}
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Best-effort: auto-claim pending messages (worker crash/restart).
		c.maybeAutoClaim(ctx, handler)

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Name,
			Streams:  []string{c.opts.Stream, ">"},
			Count:    c.opts.BatchSize,
			Block:    c.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			// transient network issue: keep looping
			c.logger.Warn("stream consume error", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, s := range res {
			for _, x := range s.Messages {
				c.dispatch(ctx, handler, x, 1)
			}
		}
	}
}

// dispatch runs the handler inline, or on a goroutine when concurrency is enabled.
func (c *Consumer) dispatch(ctx context.Context, handler Handler, x redis.XMessage, deliveries int64) {
	m, ok := parseMessage(x)
	if !ok {
		_ = c.ack(ctx, x.ID)
		return
	}
	m.Deliveries = deliveries
	if c.concur == nil {
		c.handleOne(ctx, handler, m)
		return
	}
	c.concur <- struct{}{}
	c.wg.Add(1)
	go func() {
		defer func() {
			<-c.concur
			c.wg.Done()
		}()
		c.handleOne(ctx, handler, m)
	}()
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	return c.rdb.XAck(ctx, c.opts.Stream, c.opts.Group, id).Err()
}

func (c *Consumer) handleOne(ctx context.Context, handler Handler, m Message) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panic", "msg", m.StreamID, "jobId", m.JobID, "panic", r)
				// treat panic as terminal to avoid hot-looping on poison message; job status should be persisted by handler.
				err = Terminal(fmt.Errorf("panic: %v", r))
			}
		}()
		err = handler(ctx, m)
	}()

	// ACK rules:
	// - nil or Terminal(err): always ACK
	// - otherwise: keep pending (will be auto-claimed later)
	if err == nil || IsTerminal(err) {
		_ = c.ack(ctx, m.StreamID)
		return
	}
	c.logger.Warn("handler non-terminal error, keep pending", "msg", m.StreamID, "jobId", m.JobID, "deliveries", m.Deliveries, "err", err)
}

func (c *Consumer) maybeAutoClaim(ctx context.Context, handler Handler) {
	now := time.Now()
	if !c.lastClaimedTime.IsZero() && now.Sub(c.lastClaimedTime) < c.opts.ClaimEvery {
		return
	}
	c.lastClaimedTime = now

	// If redis doesn't support XAUTOCLAIM, it will error; we just skip (keeps backward compatibility).
	msgs, nextStart, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.opts.Stream,
		Group:    c.opts.Group,
		Consumer: c.opts.Name,
		MinIdle:  c.opts.ClaimMinIdle,
		Start:    c.claimStart,
		Count:    c.opts.BatchSize * 5,
	}).Result()
	if err != nil {
		// no spam
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			c.logger.Warn("xautoclaim error", "err", err)
		}
		return
	}
	if strings.TrimSpace(nextStart) != "" {
		c.claimStart = nextStart
	}
	for _, x := range msgs {
		n := c.deliveries(ctx, x.ID)
		if c.overLimit(n) {
			c.deadLetter(ctx, x, n)
			continue
		}
		c.logger.Info("reclaimed pending message", "msg", x.ID, "deliveries", n)
		c.dispatch(ctx, handler, x, n)
	}
}

func (c *Consumer) overLimit(deliveries int64) bool {
	return c.opts.MaxDeliveries > 0 && deliveries > c.opts.MaxDeliveries
}

// deliveries asks the group how often id was handed out. Unknown counts as 2: a
// reclaimed message has been delivered at least twice.
func (c *Consumer) deliveries(ctx context.Context, id string) int64 {
	pend, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.opts.Stream,
		Group:  c.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pend) == 0 {
		return 2
	}
	return pend[0].RetryCount
}

func (c *Consumer) deadLetter(ctx context.Context, x redis.XMessage, deliveries int64) {
	values := make(map[string]interface{}, len(x.Values)+2)
	for k, v := range x.Values {
		values[k] = v
	}
	values["sourceId"] = x.ID
	values["deliveries"] = deliveries
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: DeadLetterStream(c.opts.Stream), Values: values}).Err(); err != nil {
		c.logger.Warn("dead-letter failed, keep pending", "msg", x.ID, "err", err)
		return
	}
	_ = c.ack(ctx, x.ID)
	c.logger.Error("message exceeded delivery limit, moved to dead-letter stream", "msg", x.ID, "deliveries", deliveries, "jobId", x.Values["jobId"])
}
