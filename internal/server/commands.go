package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/npezzotti/go-chatgateway/internal/stats"
)

// command is the closed set of inbound events.
type command int

const (
	cmdSendMessageDirect command = iota
	cmdSendMessageGroup
	cmdMessageSeenDirect
	cmdTypingDirect
	cmdJoinGroupChatRoom
	cmdJoinDirectChatRoom
	cmdCheckUserOnlineStatus
	cmdClientHello
	numCommands
)

var commandNames = [numCommands]string{
	cmdSendMessageDirect:     EventSendMessageDirect,
	cmdSendMessageGroup:      EventSendMessageGroup,
	cmdMessageSeenDirect:     EventMessageSeenDirect,
	cmdTypingDirect:          EventTypingDirect,
	cmdJoinGroupChatRoom:     EventJoinGroupChatRoom,
	cmdJoinDirectChatRoom:    EventJoinDirectChatRoom,
	cmdCheckUserOnlineStatus: EventCheckUserOnlineStatus,
	cmdClientHello:           EventClientHello,
}

var commandsByName = func() map[string]command {
	m := make(map[string]command, numCommands)
	for cmd, name := range commandNames {
		m[name] = command(cmd)
	}
	return m
}()

func (c command) String() string {
	if c < 0 || c >= numCommands {
		return fmt.Sprintf("command(%d)", int(c))
	}
	return commandNames[c]
}

func parseCommand(event string) (command, bool) {
	cmd, ok := commandsByName[event]
	return cmd, ok
}

// handlerFunc runs one inbound event. The returned value becomes the data of
// the OK reply, unless it is a *ServerMessage, which is sent as the reply
// itself.
type handlerFunc func(ctx context.Context, c *Client, msg *ClientMessage) (any, error)

func (cs *ChatServer) dispatchTable() [numCommands]handlerFunc {
	return [numCommands]handlerFunc{
		cmdSendMessageDirect:     cs.sendMessageDirect,
		cmdSendMessageGroup:      cs.sendMessageGroup,
		cmdMessageSeenDirect:     cs.messageSeenDirect,
		cmdTypingDirect:          cs.typingDirect,
		cmdJoinGroupChatRoom:     cs.joinGroupChatRoom,
		cmdJoinDirectChatRoom:    cs.joinDirectChatRoom,
		cmdCheckUserOnlineStatus: cs.checkUserOnlineStatus,
		cmdClientHello:           cs.clientHello,
	}
}

// handle runs msg for c and replies to c only. Events of one client are
// handled one at a time in the order they were read.
func (cs *ChatServer) handle(c *Client, msg *ClientMessage) {
	cmd, ok := parseCommand(msg.Event)
	if !ok {
		c.queueMessage(ErrReply(msg.Id, ErrValidation(fmt.Sprintf("unknown event %q", msg.Event))))
		return
	}

	l := c.log.With().Str(logger.FieldEvent, msg.Event).Int("msg_id", msg.Id).Logger()
	ctx, cancel := context.WithTimeout(logger.WithLogger(context.Background(), l), cs.opts.HandlerTimeout)
	defer cancel()

	data, err := cs.invoke(ctx, cmd, c, msg)
	if err != nil {
		ge := classify(err)
		if ge.Kind == KindDuplicate {
			cs.stats.Incr(stats.DuplicateSubmissions)
			c.queueMessage(NoErrDuplicate(msg.Id))
			return
		}

		cs.stats.Incr(stats.HandlerErrors)
		switch ge.Kind {
		case KindInternal, KindDependency:
			l.Error().Err(err).Msg("handler failed")
		default:
			l.Debug().Err(err).Msg("request rejected")
		}
		c.queueMessage(ErrReply(msg.Id, ge))
		return
	}

	if reply, ok := data.(*ServerMessage); ok {
		reply.Id = msg.Id
		c.queueMessage(reply)
		return
	}
	c.queueMessage(NoErrOK(msg.Id, data))
}

// invoke is the panic boundary around every handler.
func (cs *ChatServer) invoke(ctx context.Context, cmd command, c *Client, msg *ClientMessage) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			l := logger.Ctx(ctx)
			l.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			data, err = nil, ErrInternal(fmt.Errorf("panic: %v", r))
		}
	}()

	return cs.handlers[cmd](ctx, c, msg)
}

func decode(msg *ClientMessage, v any) error {
	if len(msg.Data) == 0 {
		return ErrValidation("missing data")
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return ErrValidation("invalid data for " + msg.Event)
	}
	return nil
}
