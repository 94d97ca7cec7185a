// Package redislock is a single-instance Redis lock: SET NX PX to take it, Lua scripts to
// refresh and release it only while the caller's token still owns the key.
package redislock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "docdiff:lock:comparejob:"
	defaultTTL    = 2 * time.Hour
	defaultKick   = 30 * time.Second
)

// Client hands out locks so that one comparison job runs on one compare-worker replica at
// a time.
type Client struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

func New(rdb *redis.Client, prefix string) *Client {
	return &Client{
		rdb:    rdb,
		prefix: strings.TrimSpace(prefix),
		logger: slog.Default(),
	}
}

func (c *Client) Key(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if c == nil {
		return jobID
	}
	if c.prefix == "" {
		return defaultPrefix + jobID
	}
	return c.prefix + jobID
}

// Token is a random 128-bit hex string. It also serves as a job id.
func Token() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func (c *Client) check(key, token string) (string, string, error) {
	if c == nil || c.rdb == nil {
		return "", "", errors.New("redis lock 未初始化")
	}
	key, token = strings.TrimSpace(key), strings.TrimSpace(token)
	if key == "" || token == "" {
		return "", "", errors.New("lock key/token 为空")
	}
	return key, token, nil
}

func (c *Client) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	key, token, err := c.check(key, token)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return c.rdb.SetNX(ctx, key, token, ttl).Result()
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

// Refresh extends the lock. false means the token no longer owns the key.
func (c *Client) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	key, token, err := c.check(key, token)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	n, err := refreshScript.Run(ctx, c.rdb, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (c *Client) Release(ctx context.Context, key, token string) (bool, error) {
	key, token, err := c.check(key, token)
	if err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Lease is a held lock that refreshes itself in the background.
type Lease struct {
	c     *Client
	key   string
	token string
	ttl   time.Duration

	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
	relOnce  sync.Once
}

// Hold acquires key and refreshes it every kick until Release or until ctx ends.
// ok is false when another holder owns the key.
func (c *Client) Hold(ctx context.Context, key string, ttl, kick time.Duration) (*Lease, bool, error) {
	token, err := Token()
	if err != nil {
		return nil, false, err
	}
	ok, err := c.Acquire(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if kick <= 0 || kick >= ttl {
		kick = min(defaultKick, ttl/2)
	}
	l := &Lease{
		c:     c,
		key:   strings.TrimSpace(key),
		token: token,
		ttl:   ttl,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	go l.refreshLoop(ctx, kick)
	return l, true, nil
}

func (l *Lease) refreshLoop(ctx context.Context, kick time.Duration) {
	defer close(l.done)
	t := time.NewTicker(kick)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			owned, err := l.c.Refresh(context.Background(), l.key, l.token, l.ttl)
			if err != nil {
				// transient; the TTL covers a few missed refreshes
				l.c.logger.Warn("lock refresh failed", "key", l.key, "err", err)
				continue
			}
			if !owned {
				l.c.logger.Error("lock lost", "key", l.key)
				l.markLost()
				return
			}
		}
	}
}

func (l *Lease) markLost() { l.lostOnce.Do(func() { close(l.lost) }) }

// Lost is closed when a refresh finds the key owned by someone else.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Release stops refreshing and deletes the key if this lease still owns it. Safe to call
// more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.relOnce.Do(func() {
		close(l.stop)
		<-l.done
		_, _ = l.c.Release(context.Background(), l.key, l.token)
	})
}
