package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MaxWait is the longest a consume call is allowed to queue for. A
// request whose projected wait exceeds this fails immediately instead
// of blocking indefinitely.
const MaxWait = 20 * time.Second

// Well-known bucket names.
const (
	BucketMSGraph   = "ms_graph"
	BucketClaudeAPI = "claude_api"
)

// Error reports a request the bucket refused outright: either the wait
// would exceed MaxWait or the request is larger than the capacity.
type Error struct {
	Bucket string
	Wait   time.Duration
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded on %s bucket: %s", e.Bucket, e.Reason)
}

// Bucket is a token bucket shared by a cooperative (context-aware) and
// a blocking consume path. Refill is elapsed x rate, capped at
// capacity.
type Bucket struct {
	name     string
	rate     float64 // tokens per second
	capacity float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewBucket creates a full bucket.
func NewBucket(name string, rate, capacity float64) *Bucket {
	return &Bucket{
		name:     name,
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		last:     time.Now(),
	}
}

// reserve deducts n tokens, going negative when the bucket is empty,
// and returns how long the caller must wait before proceeding. Callers
// hold no lock while waiting, so concurrent reservations queue up
// fairly behind each other's debt.
func (b *Bucket) reserve(n float64) (time.Duration, error) {
	if n > b.capacity {
		return 0, &Error{
			Bucket: b.name,
			Reason: fmt.Sprintf("requested %.0f tokens exceeds capacity %.0f", n, b.capacity),
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	projected := b.tokens - n
	var wait time.Duration
	if projected < 0 {
		wait = time.Duration(-projected / b.rate * float64(time.Second))
	}

	if wait > MaxWait {
		return 0, &Error{
			Bucket: b.name,
			Wait:   wait,
			Reason: fmt.Sprintf("projected wait %s exceeds %s", wait.Round(time.Millisecond), MaxWait),
		}
	}

	b.tokens = projected
	return wait, nil
}

// refund returns tokens reserved by a consume that was abandoned.
func (b *Bucket) refund(n float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Wait is the cooperative consume path: it reserves n tokens and
// suspends until they are available or the context is done.
func (b *Bucket) Wait(ctx context.Context, n float64) error {
	wait, err := b.reserve(n)
	if err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		b.refund(n)
		return ctx.Err()
	}
}

// Take is the blocking consume path for sync callers embedded in
// worker threads: it sleeps the calling goroutine until the tokens are
// available.
func (b *Bucket) Take(n float64) error {
	wait, err := b.reserve(n)
	if err != nil {
		return err
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	return nil
}

// Tokens reports the currently available tokens, refilled to now.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := time.Since(b.last).Seconds()
	tokens := b.tokens + elapsed*b.rate
	if tokens > b.capacity {
		tokens = b.capacity
	}
	return tokens
}

// Registry holds process-global named buckets.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewRegistry creates a registry pre-populated with the ms_graph
// bucket. The claude_api bucket is registered once the model tier rate
// is known from config.
func NewRegistry() *Registry {
	r := &Registry{buckets: make(map[string]*Bucket)}
	r.Register(BucketMSGraph, 10, 10)
	return r
}

// Register creates or replaces a named bucket.
func (r *Registry) Register(name string, rate, capacity float64) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := NewBucket(name, rate, capacity)
	r.buckets[name] = b
	return b
}

// Named returns the bucket with the given name, or nil when it has not
// been registered.
func (r *Registry) Named(name string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets[name]
}
