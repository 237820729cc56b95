package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/logger"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/rs/zerolog"
)

var (
	ErrChatGroupNotFound   = errors.New("chat group not found")
	ErrCannotDeleteMessage = errors.New("cannot delete message")
)

// ChatRelay keeps the chat group of each document: the connections that
// joined its chat. Messages are persisted before they are relayed to the
// group, sender included.
type ChatRelay struct {
	log   zerolog.Logger
	store database.MessageStore
	stats stats.StatsProvider

	mu     sync.Mutex
	groups map[string]map[*Client]struct{}
}

func NewChatRelay(l zerolog.Logger, store database.MessageStore, su stats.StatsProvider) *ChatRelay {
	return &ChatRelay{
		log:    l.With().Str(logger.FieldComponent, "chat").Logger(),
		store:  store,
		stats:  su,
		groups: make(map[string]map[*Client]struct{}),
	}
}

// Join adds c to the chat group of documentId and returns the message
// history. Membership is taken before history is read, so a message created
// concurrently may be seen twice but never missed.
func (cr *ChatRelay) Join(ctx context.Context, documentId string, c *Client) ([]database.Message, error) {
	cr.mu.Lock()
	group, ok := cr.groups[documentId]
	if !ok {
		group = make(map[*Client]struct{})
		cr.groups[documentId] = group
		cr.stats.Incr(stats.ChatGroups)
	}
	group[c] = struct{}{}
	cr.mu.Unlock()

	msgs, err := cr.store.ListMessages(ctx, documentId)
	if err != nil {
		cr.Leave(documentId, c)
		return nil, fmt.Errorf("list messages: %w", err)
	}

	return msgs, nil
}

func (cr *ChatRelay) Leave(documentId string, c *Client) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	group, ok := cr.groups[documentId]
	if !ok {
		return
	}
	delete(group, c)
	if len(group) == 0 {
		delete(cr.groups, documentId)
		cr.stats.Decr(stats.ChatGroups)
	}
}

// CreateMessage stores a message from c in the chat of documentId and
// relays it to every group member.
func (cr *ChatRelay) CreateMessage(ctx context.Context, documentId string, c *Client, content string) (database.Message, error) {
	if !cr.isMember(documentId, c) {
		return database.Message{}, ErrChatGroupNotFound
	}

	msg, err := cr.store.CreateMessage(ctx, database.CreateMessageParams{
		DocumentId: documentId,
		SenderId:   c.session.UserId(),
		Content:    content,
	})
	if err != nil {
		return database.Message{}, fmt.Errorf("create message: %w", err)
	}
	cr.stats.Incr(stats.MessagesCreated)

	cr.broadcast(documentId, NewNewMessageFrame(msg))
	return msg, nil
}

// DeleteMessage removes message id if c's user sent it in this chat.
func (cr *ChatRelay) DeleteMessage(ctx context.Context, documentId string, c *Client, id string) error {
	if !cr.isMember(documentId, c) {
		return ErrChatGroupNotFound
	}

	if _, err := cr.store.FindOwnedMessage(ctx, id, documentId, c.session.UserId()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrCannotDeleteMessage
		}
		return fmt.Errorf("find message: %w", err)
	}

	if err := cr.store.DeleteMessage(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrCannotDeleteMessage
		}
		return fmt.Errorf("delete message: %w", err)
	}
	cr.stats.Incr(stats.MessagesDeleted)

	cr.broadcast(documentId, NewDeleteMessageFrame(id))
	return nil
}

func (cr *ChatRelay) Len() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.groups)
}

func (cr *ChatRelay) MemberCount(documentId string) int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.groups[documentId])
}

func (cr *ChatRelay) isMember(documentId string, c *Client) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	_, ok := cr.groups[documentId][c]
	return ok
}

func (cr *ChatRelay) broadcast(documentId string, msg any) {
	frame, err := serializeMessage(msg)
	if err != nil {
		cr.log.Error().Err(err).Msg("failed to serialize chat frame")
		return
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()
	fanout(cr.groups[documentId], frame, nil, BroadcastConnection)
}
