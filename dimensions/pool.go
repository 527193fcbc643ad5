package dimensions

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned for work submitted to stopped pool.
var ErrClosed = errors.New("resolver pool is closed")

// Handle is a pending resolution.
type Handle struct {
	ref  string
	ctx  context.Context
	done chan struct{}
	size Size
	err  error
}

func newHandle(ctx context.Context, ref string) *Handle {
	return &Handle{ref: ref, ctx: ctx, done: make(chan struct{})}
}

func (h *Handle) finish(size Size, err error) {
	h.size, h.err = size, err
	close(h.done)
}

// Done is closed when resolution is complete.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until resolution is complete or ctx is cancelled. Bounded
// waiting is done by Cache.
func (h *Handle) Wait(ctx context.Context) (Size, error) {
	select {
	case <-h.done:
		return h.size, h.err
	case <-ctx.Done():
		return Size{}, ctx.Err()
	}
}

// Pool runs resolutions on background workers fed from a bounded queue.
type Pool struct {
	src   Source
	tasks chan *Handle
	quit  chan struct{}
	log   *zap.Logger

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool starts workers. Queue size limits number of submitted but not yet
// started resolutions.
func NewPool(src Source, workers, queue int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	p := &Pool{
		src:   src,
		tasks: make(chan *Handle, queue),
		quit:  make(chan struct{}),
		log:   log,
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

// Submit queues resolution of ref and returns its handle. It blocks while
// queue is full.
func (p *Pool) Submit(ctx context.Context, ref string) *Handle {
	h := newHandle(ctx, ref)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		h.finish(Size{}, ErrClosed)
		return h
	}
	select {
	case p.tasks <- h:
	case <-ctx.Done():
		h.finish(Size{}, ctx.Err())
	case <-p.quit:
		h.finish(Size{}, ErrClosed)
	}
	return h
}

// TrySubmit is Submit which gives up instead of waiting for room in the
// queue, nil handle is returned in this case.
func (p *Pool) TrySubmit(ctx context.Context, ref string) *Handle {
	h := newHandle(ctx, ref)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		h.finish(Size{}, ErrClosed)
		return h
	}
	select {
	case p.tasks <- h:
		return h
	default:
		return nil
	}
}

// Close stops workers and fails everything still queued.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		// unblock submitters waiting on full queue before taking write lock
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.wg.Wait()
		for {
			select {
			case h := <-p.tasks:
				h.finish(Size{}, ErrClosed)
			default:
				return
			}
		}
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case h := <-p.tasks:
			p.run(h)
		}
	}
}

func (p *Pool) run(h *Handle) {
	if err := h.ctx.Err(); err != nil {
		h.finish(Size{}, err)
		return
	}

	start := time.Now()
	size, err := func() (size Size, err error) {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("Image resolution ended with panic",
					zap.String("ref", h.ref), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("resolution panic: %v", r)
			}
		}()
		return p.src.Resolve(h.ctx, h.ref)
	}()
	p.log.Debug("Image resolved", zap.String("ref", h.ref), zap.Stringer("size", size), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	h.finish(size, err)
}
