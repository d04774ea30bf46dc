package ws

import (
	"errors"

	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client messages to handlers by type. It answers
// pings itself and replies with an error message to anything it cannot parse
// or route; the connection stays open either way.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.Named("dispatch"),
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("rejected message", zap.String("conn_id", conn.ID), zap.Error(err))
		switch {
		case errors.Is(err, protocol.ErrMalformedReport):
			d.SendError(conn, protocol.CodeMalformedReport, err.Error())
		case errors.Is(err, protocol.ErrUnknownType):
			d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		default:
			d.SendError(conn, protocol.CodeParseError, "invalid message format")
		}
		return
	}

	if msgType == protocol.TypePing {
		d.send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}
	handler(conn, msg)
}

// SendError writes an error message to conn.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.logger.Warn("encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.logger.Warn("send failed", zap.String("conn_id", conn.ID), zap.String("type", msgType), zap.Error(err))
	}
}
