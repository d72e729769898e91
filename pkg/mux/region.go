package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/sovereign/kernel/pkg/types"
)

// Region is a fixed-capacity circular byte buffer simulating the named
// bounded ring-buffer region spec §4.9 describes: a single producer
// writes a whole bulk payload, a single consumer reads it out, and
// either side blocks (backpressure, "identical to C1") when the ring
// cannot currently satisfy the request rather than growing or dropping
// data. One Region instance at a time serializes its own Write/Read
// pairs via condition variables standing in for the producer/consumer
// semaphores a real SHM ring would use.
type Region struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf        []byte
	head, tail int // tail is the next write position, head the next read
	available  int // bytes currently held, unread
	closed     bool
}

func newRegion(capacity int) *Region {
	r := &Region{buf: make([]byte, capacity)}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// Capacity returns the region's fixed byte capacity.
func (r *Region) Capacity() int { return len(r.buf) }

// Write copies p into the ring, blocking while there is insufficient
// free space. It returns ErrResource immediately if p can never fit
// (exceeds the region's total capacity) rather than blocking forever.
// A context cancellation while blocked leaves the region state
// unchanged, mirroring C1's atomic-enqueue-undo-on-cancel contract.
func (r *Region) Write(ctx context.Context, p []byte) error {
	if len(p) > len(r.buf) {
		return fmt.Errorf("%w: payload %d bytes exceeds region capacity %d", types.ErrResource, len(p), len(r.buf))
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.notFull.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf)-r.available < len(p) {
		if r.closed {
			return fmt.Errorf("%w: region closed", types.ErrTransport)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.notFull.Wait()
	}
	if r.closed {
		return fmt.Errorf("%w: region closed", types.ErrTransport)
	}

	for _, b := range p {
		r.buf[r.tail] = b
		r.tail = (r.tail + 1) % len(r.buf)
	}
	r.available += len(p)
	r.notEmpty.Broadcast()
	return nil
}

// Read drains exactly n bytes, blocking until that many are available.
func (r *Region) Read(ctx context.Context, n int) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.notEmpty.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.available < n {
		if r.closed {
			return nil, fmt.Errorf("%w: region closed", types.ErrTransport)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.notEmpty.Wait()
	}

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.head]
		r.head = (r.head + 1) % len(r.buf)
	}
	r.available -= n
	r.notFull.Broadcast()
	return out, nil
}

// Close wakes any blocked Write/Read callers with an error. Safe to call
// more than once.
func (r *Region) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.notFull.Broadcast()
	r.notEmpty.Broadcast()
}
