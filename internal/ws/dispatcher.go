package ws

import (
	"go.uber.org/zap"

	"github.com/whisper/voice-app/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.JoinQueueMsg).
type MessageHandler func(conn *Connection, msg protocol.ClientMessage)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. Malformed or unsupported messages get a
// structured error reply and change no state.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(log *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.Named("dispatch"),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message and routes it to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("parse error", zap.String("conn", conn.ID), zap.Error(err))
		d.sendError(conn, "invalid_message", err.Error())
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", zap.String("type", msgType), zap.String("conn", conn.ID))
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		d.log.Error("failed to build error message", zap.String("conn", conn.ID), zap.Error(err))
		return
	}

	if err := conn.Send(data); err != nil {
		d.log.Debug("failed to send error message", zap.String("conn", conn.ID), zap.Error(err))
	}
}
