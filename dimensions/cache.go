package dimensions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maruel/natural"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type outcome struct {
	size Size
	err  error
}

var (
	// ErrTimeout is returned when resolution did not complete within the
	// bounded wait.
	ErrTimeout = errors.New("image resolution timed out")
	// errQueueFull is returned by prefetch which did not fit into pool queue,
	// the reference is submitted again by the first lookup.
	errQueueFull = errors.New("resolver queue is full")
)

// Cache memoizes resolution outcomes, failures included, by literal
// reference. It is never invalidated: its owner decides for how long it
// lives (single page or whole run). Concurrent lookups of the same reference
// share one resolution.
type Cache struct {
	pool    *Pool
	store   *Store
	timeout time.Duration
	log     *zap.Logger

	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]outcome
}

// NewCache creates cache resolving through pool, store is optional.
// Timeout bounds every wait for resolution, zero waits without limit.
func NewCache(pool *Pool, store *Store, timeout time.Duration, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		pool:    pool,
		store:   store,
		timeout: timeout,
		log:     log.Named("dimensions"),
		entries: make(map[string]outcome),
	}
}

func (c *Cache) known(ref string) (outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.entries[ref]
	return o, ok
}

// Prefetch starts resolution of references not known yet without waiting
// for results. References which do not fit into pool queue are left for
// lookups.
func (c *Cache) Prefetch(ctx context.Context, refs ...string) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if _, ok := c.known(ref); ok {
			continue
		}
		c.flight.DoChan(ref, func() (any, error) {
			return c.resolve(ctx, ref, false)
		})
	}
}

// resolve runs single resolution of ref, its outcome is remembered even when
// nobody waits for it anymore. Abandoned resolutions (cancelled context,
// closed pool) are not remembered.
func (c *Cache) resolve(ctx context.Context, ref string, block bool) (Size, error) {
	if o, ok := c.known(ref); ok {
		return o.size, o.err
	}
	if c.store != nil {
		size, found, err := c.store.Get(ref)
		if err != nil {
			c.log.Warn("Unable to read dimensions store", zap.String("ref", ref), zap.Error(err))
		} else if found {
			c.remember(ref, outcome{size: size})
			return size, nil
		}
	}

	var h *Handle
	if block {
		h = c.pool.Submit(ctx, ref)
	} else if h = c.pool.TrySubmit(ctx, ref); h == nil {
		return Size{}, errQueueFull
	}

	size, err := h.Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
		return size, err
	}
	c.remember(ref, outcome{size: size, err: err})
	if err != nil {
		c.log.Warn("Unable to resolve image dimensions, defaults will be used", zap.String("ref", ref), zap.Error(err))
		return size, err
	}
	if c.store != nil {
		if err := c.store.Put(ref, size); err != nil {
			c.log.Warn("Unable to update dimensions store", zap.String("ref", ref), zap.Error(err))
		}
	}
	return size, nil
}

func (c *Cache) remember(ref string, o outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = o
}

// Resolve returns cached outcome for ref or blocks until resolution completes
// or bounded wait expires. Every unique reference is resolved at most once,
// resolution which outlived the wait still lands in the cache.
func (c *Cache) Resolve(ctx context.Context, ref string) (Size, error) {
	if o, ok := c.known(ref); ok {
		return o.size, o.err
	}

	var expired <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		ch := c.flight.DoChan(ref, func() (any, error) {
			return c.resolve(ctx, ref, true)
		})
		select {
		case r := <-ch:
			if errors.Is(r.Err, errQueueFull) {
				// joined prefetch which was not queued
				continue
			}
			size, _ := r.Val.(Size)
			return size, r.Err
		case <-ctx.Done():
			return Size{}, ctx.Err()
		case <-expired:
			err := fmt.Errorf("%w: %s after %v", ErrTimeout, ref, c.timeout)
			c.log.Warn("Image dimensions are late, defaults will be used", zap.String("ref", ref), zap.Error(err))
			return Size{}, err
		}
	}
}

// Lookup is Resolve reduced to success indicator.
func (c *Cache) Lookup(ctx context.Context, ref string) (int, int, bool) {
	size, err := c.Resolve(ctx, ref)
	if err != nil {
		return 0, 0, false
	}
	return size.Width, size.Height, true
}

// Len returns number of references with known outcome.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Dump returns one line per known reference in natural order, for debugging.
func (c *Cache) Dump() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	refs := make([]string, 0, len(c.entries))
	for ref := range c.entries {
		refs = append(refs, ref)
	}
	sort.Sort(natural.StringSlice(refs))

	lines := make([]string, 0, len(refs))
	for _, ref := range refs {
		o := c.entries[ref]
		if o.err != nil {
			lines = append(lines, ref+"\tfailed\t"+o.err.Error())
			continue
		}
		lines = append(lines, ref+"\t"+o.size.String())
	}
	return lines
}
