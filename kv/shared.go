package kv

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// handlePool shares one physical backend handle between every store that
// points at it. Handles are opened on first acquire and closed when the
// last store releases them.
type handlePool[T any] struct {
	mu    sync.Mutex
	items map[string]*pooled[T]
}

type pooled[T any] struct {
	value T
	refs  int
	close func(T) error
}

func newHandlePool[T any]() *handlePool[T] {
	return &handlePool[T]{items: make(map[string]*pooled[T])}
}

// acquire returns the handle for key, opening it when needed. The returned
// release func must be called exactly once.
func (p *handlePool[T]) acquire(key string, open func() (T, error), closeFn func(T) error) (T, func() error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.items[key]
	if !ok {
		v, err := open()
		if err != nil {
			var zero T
			return zero, nil, err
		}
		item = &pooled[T]{value: v, close: closeFn}
		p.items[key] = item
	}
	item.refs++

	var once sync.Once
	release := func() error {
		var err error
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			item.refs--
			if item.refs == 0 {
				delete(p.items, key)
				err = item.close(item.value)
			}
		})
		return err
	}
	return item.value, release, nil
}

// janitor runs a sweep on an interval until stopped.
type janitor struct {
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func startJanitor(interval time.Duration, logger *slog.Logger, name string, sweep func(context.Context) (int, error)) *janitor {
	j := &janitor{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if interval <= 0 {
		close(j.doneCh)
		return j
	}

	go func() {
		defer close(j.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := sweep(context.Background())
				if err != nil {
					logger.Warn("expiry sweep failed", "store", name, "error", err)
					continue
				}
				if n > 0 {
					logger.Debug("expired entries swept", "store", name, "count", n)
				}
			case <-j.stopCh:
				return
			}
		}
	}()
	return j
}

func (j *janitor) stop() {
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}
