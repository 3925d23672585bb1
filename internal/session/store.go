// Package session tracks each principal's currently selected target.
//
// Selections are ephemeral: the store is process-local and everything in
// it is gone on restart. Callers must treat an absent session as "select
// a target first", never as an error worth crashing over.
package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Session is one principal's target selection.
type Session struct {
	PrincipalID   uint64
	TargetName    string
	TargetAddress string
	SelectedAt    time.Time
}

// Store is a concurrency-safe in-memory session map with TTL eviction.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	sessions map[uint64]Session
}

// NewStore builds a Store evicting sessions older than ttl.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[uint64]Session),
	}
}

// Select records the principal's target selection, overwriting any
// previous one and restarting the TTL.
func (s *Store) Select(principalID uint64, targetName, targetAddress string) Session {
	next := Session{
		PrincipalID:   principalID,
		TargetName:    targetName,
		TargetAddress: targetAddress,
		SelectedAt:    s.now(),
	}
	s.mu.Lock()
	s.sessions[principalID] = next
	s.mu.Unlock()
	return next
}

// Get returns the principal's session. An expired session is evicted and
// reported as absent.
func (s *Store) Get(principalID uint64) (Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[principalID]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if s.expired(sess) {
		s.mu.Lock()
		// Re-check under the write lock; Select may have raced in.
		if current, still := s.sessions[principalID]; still && s.expired(current) {
			delete(s.sessions, principalID)
		}
		s.mu.Unlock()
		return Session{}, false
	}
	return sess, true
}

// Clear removes the principal's session, reporting whether one existed.
func (s *Store) Clear(principalID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[principalID]; !ok {
		return false
	}
	delete(s.sessions, principalID)
	return true
}

// Len returns the number of stored sessions, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) expired(sess Session) bool {
	return s.now().Sub(sess.SelectedAt) > s.ttl
}

// sweep evicts every expired session and returns the eviction count.
func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// StartSweeper launches a background loop evicting expired sessions.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx, interval)
	log.Infof("session sweeper started (interval=%s ttl=%s)", interval, s.ttl)
}

func (s *Store) run(ctx context.Context, interval time.Duration) {
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		if evicted := s.sweep(); evicted > 0 {
			log.Debugf("session sweeper evicted %d expired sessions", evicted)
		}
	}
}
