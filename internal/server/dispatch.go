package server

import (
	"context"
	"errors"

	"github.com/npezzotti/go-collab/internal/crdt"
	"github.com/npezzotti/go-collab/internal/logger"
)

// dispatch handles one inbound frame. A failing frame is answered with an
// error frame and never closes the connection.
func (c *Client) dispatch(raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error().Interface("panic", rec).Msg("recovered from panic handling frame")
			c.queueMessage(ErrInternalErrorFrame())
		}
	}()

	msg, err := ParseClientMessage(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("rejected frame")
		var ute *unknownTypeError
		if errors.As(err, &ute) {
			c.queueMessage(ErrUnknownMessageType())
		} else {
			c.queueMessage(ErrInvalidMessage())
		}
		return
	}

	switch msg.Type {
	case TypeJoin:
		c.handleJoin(msg.Join)
	case TypeLeave:
		c.leaveDocument()
	case TypeUpdate:
		c.handleUpdate(msg.Update)
	case TypeJoinChat:
		c.handleJoinChat(msg.Join)
	case TypeLeaveChat:
		c.leaveChat()
	case TypeCreateMessage:
		c.handleCreateMessage(msg.CreateMessage)
	case TypeDeleteMessage:
		c.handleDeleteMessage(msg.DeleteMessage)
	}
}

// authorized reports whether userId may be claimed on this connection.
func (c *Client) authorized(userId string) bool {
	if c.authUserId != "" && c.authUserId != userId {
		c.log.Warn().
			Str(logger.FieldUserID, userId).
			Str("auth_user_id", c.authUserId).
			Msg("frame user does not match authenticated user")
		c.queueMessage(ErrUserMismatchFrame())
		return false
	}
	return true
}

func (c *Client) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, storeTimeout)
}

func (c *Client) handleJoin(req *JoinRequest) {
	if !c.authorized(req.UserId) {
		return
	}

	// a connection edits one document at a time
	c.leaveDocument()

	ctx, cancel := c.storeContext()
	defer cancel()

	state, err := c.cs.registry.Join(ctx, req.DocumentId, c)
	if err != nil {
		c.log.Error().Err(err).Str(logger.FieldDocumentID, req.DocumentId).Msg("join failed")
		c.queueMessage(NewErrorFrame("failed to load document"))
		return
	}
	c.session.joinDocument(req.UserId, req.DocumentId)

	c.log.Info().
		Str(logger.FieldUserID, req.UserId).
		Str(logger.FieldDocumentID, req.DocumentId).
		Msg("joined document")

	c.queueMessage(NewSyncFrame(state))

	frame, err := serializeMessage(NewUserJoinedFrame(req.UserId, req.DocumentId))
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize userJoined frame")
		return
	}
	c.cs.registry.Broadcast(req.DocumentId, frame, c)
}

func (c *Client) handleUpdate(req *UpdateRequest) {
	documentId := c.session.DocumentId()
	if documentId == "" {
		c.queueMessage(ErrRoomNotFoundFrame())
		return
	}

	changed, err := c.cs.registry.ApplyUpdate(documentId, c, req.Updates)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		c.queueMessage(ErrRoomNotFoundFrame())
		return
	case errors.Is(err, crdt.ErrInvalidUpdate):
		c.log.Debug().Err(err).Str(logger.FieldDocumentID, documentId).Msg("invalid update")
		c.queueMessage(NewErrorFrame("invalid update"))
		return
	case err != nil:
		c.log.Error().Err(err).Str(logger.FieldDocumentID, documentId).Msg("apply update")
		c.queueMessage(ErrInternalErrorFrame())
		return
	}
	if !changed {
		return
	}

	frame, err := serializeMessage(NewUpdateFrame(req.Updates, c.session.UserId()))
	if err != nil {
		c.log.Error().Err(err).Msg("failed to serialize update frame")
		return
	}
	c.cs.registry.Broadcast(documentId, frame, c)
}

func (c *Client) handleJoinChat(req *JoinRequest) {
	if !c.authorized(req.UserId) {
		return
	}

	c.leaveChat()

	ctx, cancel := c.storeContext()
	defer cancel()

	c.session.joinChat(req.UserId, req.DocumentId)
	msgs, err := c.cs.chat.Join(ctx, req.DocumentId, c)
	if err != nil {
		c.session.leaveChat()
		c.log.Error().Err(err).Str(logger.FieldDocumentID, req.DocumentId).Msg("join chat failed")
		c.queueMessage(ErrInternalErrorFrame())
		return
	}

	c.queueMessage(NewMessagesFrame(msgs))
}

func (c *Client) handleCreateMessage(req *CreateMessageRequest) {
	ctx, cancel := c.storeContext()
	defer cancel()

	msg, err := c.cs.chat.CreateMessage(ctx, c.session.ChatGroupId(), c, req.Content)
	switch {
	case errors.Is(err, ErrChatGroupNotFound):
		c.queueMessage(ErrChatGroupNotFoundFrame())
	case err != nil:
		c.log.Error().Err(err).Msg("create message")
		c.queueMessage(ErrInternalErrorFrame())
	default:
		c.log.Debug().Str(logger.FieldMessageID, msg.Id).Msg("message created")
	}
}

func (c *Client) handleDeleteMessage(req *DeleteMessageRequest) {
	ctx, cancel := c.storeContext()
	defer cancel()

	err := c.cs.chat.DeleteMessage(ctx, c.session.ChatGroupId(), c, req.Id)
	switch {
	case errors.Is(err, ErrChatGroupNotFound):
		c.queueMessage(ErrChatGroupNotFoundFrame())
	case errors.Is(err, ErrCannotDeleteMessage):
		c.queueMessage(ErrCannotDeleteFrame())
	case err != nil:
		c.log.Error().Err(err).Str(logger.FieldMessageID, req.Id).Msg("delete message")
		c.queueMessage(ErrInternalErrorFrame())
	default:
		c.log.Debug().Str(logger.FieldMessageID, req.Id).Msg("message deleted")
	}
}
