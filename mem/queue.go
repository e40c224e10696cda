// Package mem provides in-memory implementations of the vsmtp collaborator
// interfaces. They are for tests and development, not production use.
package mem

import (
	"context"
	"errors"
	"sync"

	"github.com/kyr-sh/vsmtp"
)

// ErrWriteFailed is returned by a QueueStore whose failure injection is
// armed.
var ErrWriteFailed = errors.New("queue write failed")

// QueueStore is an in-memory vsmtp.QueueStore. Mails land in per-queue
// maps keyed by message-id and can be inspected by tests. Write failures
// can be injected to exercise the 554 path.
type QueueStore struct {
	mu     sync.RWMutex
	queues map[vsmtp.Queue]map[string]*vsmtp.MailContext
	fail   bool
}

// NewQueueStore creates an empty store.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		queues: map[vsmtp.Queue]map[string]*vsmtp.MailContext{
			vsmtp.QueueWorking: {},
			vsmtp.QueueDeliver: {},
		},
	}
}

// FailWrites arms or disarms failure injection.
func (s *QueueStore) FailWrites(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

// Write stores the mail, or fails when injection is armed.
func (s *QueueStore) Write(_ context.Context, q vsmtp.Queue, mail *vsmtp.MailContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ErrWriteFailed
	}
	s.queues[q][mail.Metadata.MessageID] = mail
	return nil
}

// Remove deletes the entry if present.
func (s *QueueStore) Remove(q vsmtp.Queue, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues[q], messageID)
	return nil
}

// Get returns the stored mail for messageID in q.
func (s *QueueStore) Get(q vsmtp.Queue, messageID string) (*vsmtp.MailContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mail, ok := s.queues[q][messageID]
	return mail, ok
}

// Count returns how many mails sit in q.
func (s *QueueStore) Count(q vsmtp.Queue) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[q])
}

var _ vsmtp.QueueStore = (*QueueStore)(nil)
