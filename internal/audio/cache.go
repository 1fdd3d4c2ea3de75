package audio

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// LoadFunc fetches and decodes one loop asset.
type LoadFunc func(ctx context.Context, loopID string) (*Buffer, error)

// BufferCache maps loop ids to decoded buffers. Entries are added on first
// use and never evicted; concurrent first uses of one id share a single load.
type BufferCache struct {
	load  LoadFunc
	group singleflight.Group

	mu   sync.RWMutex
	bufs map[string]*Buffer
}

// NewBufferCache returns an empty cache backed by load.
func NewBufferCache(load LoadFunc) *BufferCache {
	return &BufferCache{load: load, bufs: make(map[string]*Buffer)}
}

// Lookup returns a cached buffer without loading.
func (c *BufferCache) Lookup(loopID string) (*Buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bufs[loopID]
	return b, ok
}

// Get returns the buffer for loopID, loading it if needed. A failed load is
// not cached, so a later Get retries.
func (c *BufferCache) Get(ctx context.Context, loopID string) (*Buffer, error) {
	if b, ok := c.Lookup(loopID); ok {
		return b, nil
	}
	ch := c.group.DoChan(loopID, func() (any, error) {
		if b, ok := c.Lookup(loopID); ok {
			return b, nil
		}
		// Shared by every waiter, so one caller's cancellation must not fail the rest.
		b, err := c.load(context.WithoutCancel(ctx), loopID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.bufs[loopID] = b
		c.mu.Unlock()
		return b, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Buffer), nil
	}
}

// Preload loads ids with bounded concurrency and returns the first error.
func (c *BufferCache) Preload(ctx context.Context, ids []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			_, err := c.Get(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// Len returns the number of cached buffers.
func (c *BufferCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bufs)
}
