package database

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a process-local Repository for development and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	states   map[string]DocumentState
	messages map[string]Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		states:   make(map[string]DocumentState),
		messages: make(map[string]Message),
	}
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }
func (m *MemoryRepository) Close() error               { return nil }

func (m *MemoryRepository) GetDocumentState(_ context.Context, documentId string) (DocumentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.states[documentId]
	if !ok {
		return DocumentState{}, ErrNotFound
	}
	ds.State = slices.Clone(ds.State)
	return ds, nil
}

func (m *MemoryRepository) SaveDocumentState(_ context.Context, documentId string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[documentId] = DocumentState{
		DocumentId: documentId,
		State:      slices.Clone(state),
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

func (m *MemoryRepository) CreateMessage(_ context.Context, params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC().Round(time.Millisecond)
	msg := Message{
		Id:         uuid.NewString(),
		DocumentId: params.DocumentId,
		SenderId:   params.SenderId,
		Content:    params.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.messages[msg.Id] = msg
	return msg, nil
}

func (m *MemoryRepository) FindOwnedMessage(_ context.Context, id, documentId, senderId string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.DocumentId != documentId || msg.SenderId != senderId {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *MemoryRepository) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[id]; !ok {
		return ErrNotFound
	}
	delete(m.messages, id)
	return nil
}

func (m *MemoryRepository) ListMessages(_ context.Context, documentId string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Message, 0)
	for _, msg := range m.messages {
		if msg.DocumentId == documentId {
			out = append(out, msg)
		}
	}
	slices.SortFunc(out, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Id, b.Id)
	})
	return out, nil
}

