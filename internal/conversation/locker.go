package conversation

import (
	"context"
	"sync"
	"sync/atomic"
)

// Locker serializes work per key. Waiters acquire a key in arrival order.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Lease is a held lock on one thread.
type Lease struct {
	key    string
	locker *Locker
	lock   *keyLock
	once   sync.Once
	done   atomic.Bool
}

func NewLocker() *Locker {
	return &Locker{keys: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (*Lease, error) {
	l.mu.Lock()
	k := l.keys[key]
	if k == nil {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
		return &Lease{key: key, locker: l, lock: k}, nil
	case <-ctx.Done():
		l.release(key, k)
		return nil, ctx.Err()
	}
}

func (l *Locker) release(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.keys, key)
	}
}

// Unlock releases the lease. Calling it again is a no-op.
func (s *Lease) Unlock() {
	s.once.Do(func() {
		s.done.Store(true)
		<-s.lock.ch
		s.locker.release(s.key, s.lock)
	})
}

func (s *Lease) held(key string) bool {
	return s != nil && s.key == key && !s.done.Load()
}
