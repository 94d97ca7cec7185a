package redislock

import (
	"context"
	"testing"
	"time"
)

func TestKeyPrefix(t *testing.T) {
	if got := New(nil, "").Key(" job-1 "); got != "docdiff:lock:comparejob:job-1" {
		t.Fatalf("default key = %q", got)
	}
	if got := New(nil, "custom:").Key("job-1"); got != "custom:job-1" {
		t.Fatalf("custom key = %q", got)
	}
}

func TestTokenIsRandomHex(t *testing.T) {
	a, err := Token()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Token()
	if len(a) != 32 || a == b {
		t.Fatalf("tokens %q %q", a, b)
	}
}

func TestUninitialisedClient(t *testing.T) {
	var c *Client
	if _, err := c.Acquire(context.Background(), "k", "t", 0); err == nil {
		t.Fatalf("nil client should error")
	}
	if _, ok, err := New(nil, "").Hold(context.Background(), "k", 0, 0); ok || err == nil {
		t.Fatalf("Hold without redis: ok=%v err=%v", ok, err)
	}
}

func TestLeaseLostAndRelease(t *testing.T) {
	// A lease whose refresh loop already exited; Release must not touch redis state twice
	// or block.
	l := &Lease{
		c:    New(nil, ""),
		key:  "k",
		stop: make(chan struct{}),
		done: make(chan struct{}),
		lost: make(chan struct{}),
	}
	close(l.done)
	l.markLost()
	l.markLost()
	select {
	case <-l.Lost():
	case <-time.After(time.Second):
		t.Fatalf("lost channel not closed")
	}
	l.Release()
	l.Release()

	var nilLease *Lease
	nilLease.Release()
}
