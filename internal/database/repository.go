package database

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// DocumentStore holds the serialized state of each document, keyed by
// document id. Saves overwrite the previous state wholesale.
type DocumentStore interface {
	GetDocumentState(ctx context.Context, documentId string) (DocumentState, error)
	SaveDocumentState(ctx context.Context, documentId string, state []byte) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	FindOwnedMessage(ctx context.Context, id, documentId, senderId string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, documentId string) ([]Message, error)
}

type Repository interface {
	DocumentStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}
