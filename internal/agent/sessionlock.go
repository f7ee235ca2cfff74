package agent

import (
	"context"
	"sync"
)

// sessionLocks serializes turns per session id. Entries are reference
// counted and removed once no turn holds or waits on them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session is free or ctx is done. The returned func
// releases the session.
func (s *sessionLocks) Lock(ctx context.Context, sessionID string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		s.locks[sessionID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(sessionID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.ch
			s.release(sessionID, lock)
		})
	}, nil
}

func (s *sessionLocks) release(sessionID string, lock *sessionLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, sessionID)
	}
}

func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
