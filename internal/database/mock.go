package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) GetDocumentState(ctx context.Context, documentId string) (DocumentState, error) {
	args := m.Called(ctx, documentId)
	return args.Get(0).(DocumentState), args.Error(1)
}
func (m *MockRepository) SaveDocumentState(ctx context.Context, documentId string, state []byte) error {
	args := m.Called(ctx, documentId, state)
	return args.Error(0)
}
func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) FindOwnedMessage(ctx context.Context, id, documentId, senderId string) (Message, error) {
	args := m.Called(ctx, id, documentId, senderId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) DeleteMessage(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepository) ListMessages(ctx context.Context, documentId string) ([]Message, error) {
	args := m.Called(ctx, documentId)
	return args.Get(0).([]Message), args.Error(1)
}
