package database

import (
	"context"
	"errors"
)

// SplitRepository keeps document state in redis and chat messages in SQL.
type SplitRepository struct {
	*SQLRepository
	docs *RedisDocumentStore
}

func NewSplitRepository(docs *RedisDocumentStore, msgs *SQLRepository) *SplitRepository {
	return &SplitRepository{SQLRepository: msgs, docs: docs}
}

func (s *SplitRepository) GetDocumentState(ctx context.Context, documentId string) (DocumentState, error) {
	return s.docs.GetDocumentState(ctx, documentId)
}

func (s *SplitRepository) SaveDocumentState(ctx context.Context, documentId string, state []byte) error {
	return s.docs.SaveDocumentState(ctx, documentId, state)
}

func (s *SplitRepository) Ping(ctx context.Context) error {
	return errors.Join(s.docs.Ping(ctx), s.SQLRepository.Ping(ctx))
}

func (s *SplitRepository) Close() error {
	return errors.Join(s.docs.Close(), s.SQLRepository.Close())
}
