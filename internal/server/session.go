package server

import (
	"sync"
	"time"
)

// Session is the collaboration state of one connection. It is referenced by
// the transport Client, never embedded in it, so it can be built and tested
// without a socket.
type Session struct {
	id          string
	mu          sync.RWMutex
	userId      string
	documentId  string
	chatGroupId string
	alive       bool
	terminated  bool
	connectedAt time.Time
}

func NewSession(id string) *Session {
	return &Session{
		id:          id,
		alive:       true,
		connectedAt: time.Now(),
	}
}

func (s *Session) Id() string {
	return s.id
}

func (s *Session) UserId() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userId
}

func (s *Session) DocumentId() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documentId
}

func (s *Session) ChatGroupId() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatGroupId
}

func (s *Session) joinDocument(userId, documentId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userId = userId
	s.documentId = documentId
}

func (s *Session) leaveDocument() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.documentId
	s.documentId = ""
	return id
}

func (s *Session) joinChat(userId, documentId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userId = userId
	s.chatGroupId = documentId
}

func (s *Session) leaveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.chatGroupId
	s.chatGroupId = ""
	return id
}

// markAlive records a heartbeat response.
func (s *Session) markAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = true
}

func (s *Session) isAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

// heartbeat advances the liveness state machine by one tick. A session that
// answered the previous ping is moved to awaiting-pong and should be pinged
// again. A session still awaiting a pong is terminated; evict is reported
// exactly once.
func (s *Session) heartbeat() (ping, evict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return false, false
	}
	if !s.alive {
		s.terminated = true
		return false, true
	}

	s.alive = false
	return true, false
}
