package docker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Upload session lifetimes. Sessions live in memory only; a restart
// loses them, which matches mainstream registries. The reaper drops
// sessions a client abandoned mid-upload.
const (
	sessionTTL          = time.Hour
	sessionReapInterval = 10 * time.Minute
)

type session struct {
	data    []byte
	touched time.Time
}

// sessionStore is the process-wide chunked-upload table: UUID to
// growing byte buffer. POST creates, PATCH appends, PUT consumes.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

// Create opens an empty session and returns its UUID.
func (s *sessionStore) Create() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{touched: time.Now()}
	s.mu.Unlock()
	return id
}

// Append adds chunk bytes to an open session and returns the new total
// length. Appends to the same session serialize on the write lock, in
// acquisition order.
func (s *sessionStore) Append(id string, chunk []byte) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return 0, false
	}
	sess.data = append(sess.data, chunk...)
	sess.touched = time.Now()
	return len(sess.data), true
}

// Take atomically removes a session and returns its buffer.
func (s *sessionStore) Take(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	delete(s.sessions, id)
	return sess.data, true
}

// Len returns the number of open sessions.
func (s *sessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// reap drops sessions untouched for longer than ttl and returns how
// many were removed.
func (s *sessionStore) reap(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for id, sess := range s.sessions {
		if sess.touched.Before(cutoff) {
			delete(s.sessions, id)
			reaped++
		}
	}
	return reaped
}

// startReaper runs the session reaper until ctx is done.
func (s *sessionStore) startReaper(ctx context.Context, logger *logrus.Entry) {
	go func() {
		ticker := time.NewTicker(sessionReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.reap(sessionTTL); n > 0 {
					logger.WithField("count", n).Info("reaped stale upload sessions")
				}
			}
		}
	}()
}
