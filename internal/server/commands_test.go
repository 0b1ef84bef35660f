package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/npezzotti/go-chatgateway/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchTableIsComplete(t *testing.T) {
	env := newTestEnv(t)
	for cmd := command(0); cmd < numCommands; cmd++ {
		assert.NotEmpty(t, commandNames[cmd], "command %d has no name", cmd)
		assert.NotNil(t, env.cs.handlers[cmd], "command %s has no handler", cmd)

		parsed, ok := parseCommand(cmd.String())
		assert.True(t, ok)
		assert.Equal(t, cmd, parsed)
	}
}

func TestParseCommand(t *testing.T) {
	tcases := []struct {
		event string
		want  command
		ok    bool
	}{
		{"send_message_direct", cmdSendMessageDirect, true},
		{"send_message_group", cmdSendMessageGroup, true},
		{"typing_direct", cmdTypingDirect, true},
		{"client_hello", cmdClientHello, true},
		{"server_hello", 0, false},
		{"SEND_MESSAGE_DIRECT", 0, false},
		{"", 0, false},
	}

	for _, tc := range tcases {
		t.Run(tc.event, func(t *testing.T) {
			got, ok := parseCommand(tc.event)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
	assert.Equal(t, "command(99)", command(99).String())
}

func TestHandle(t *testing.T) {
	t.Run("unknown event", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.connect(t, "a")

		env.cs.handle(c, &ClientMessage{Id: 3, Event: "launch_rockets"})

		reply := replyTo(t, drain(c), 3)
		assert.Equal(t, http.StatusBadRequest, reply.Response.ResponseCode)
		assert.Equal(t, CodeInvalidRequest, reply.Response.Code)
		assert.Contains(t, reply.Response.Error, "launch_rockets")
	})

	t.Run("missing data", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.connect(t, "a")

		env.cs.handle(c, &ClientMessage{Id: 4, Event: EventSendMessageDirect})

		reply := replyTo(t, drain(c), 4)
		assert.Equal(t, http.StatusBadRequest, reply.Response.ResponseCode)
		env.su.AssertCalled(t, "Incr", stats.HandlerErrors)
	})

	t.Run("malformed data", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.connect(t, "a")

		env.cs.handle(c, &ClientMessage{Id: 5, Event: EventTypingDirect, Data: json.RawMessage(`{"recipientId": 7}`)})

		reply := replyTo(t, drain(c), 5)
		assert.Equal(t, "invalid data for typing_direct", reply.Response.Error)
	})

	t.Run("panicking handler", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.connect(t, "a")
		env.cs.handlers[cmdClientHello] = func(ctx context.Context, c *Client, msg *ClientMessage) (any, error) {
			panic("nil map")
		}

		env.cs.handle(c, &ClientMessage{Id: 6, Event: "client_hello"})

		reply := replyTo(t, drain(c), 6)
		assert.Equal(t, http.StatusInternalServerError, reply.Response.ResponseCode)
		assert.Equal(t, CodeInternal, reply.Response.Code)
		assert.Equal(t, StateActive, c.State(), "a failing handler must not end the connection")
		env.su.AssertCalled(t, "Incr", stats.HandlerErrors)
	})

	t.Run("handler timeout", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.connect(t, "a")
		env.cs.opts.HandlerTimeout = 0
		env.cs.handlers[cmdClientHello] = func(ctx context.Context, c *Client, msg *ClientMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}

		env.cs.handle(c, &ClientMessage{Id: 8, Event: "client_hello"})

		reply := replyTo(t, drain(c), 8)
		assert.Equal(t, http.StatusBadGateway, reply.Response.ResponseCode)
	})

	t.Run("client hello", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.connect(t, "a")

		env.cs.handle(c, &ClientMessage{Id: 9, Event: "client_hello"})

		msgs := drain(c)
		require.Len(t, msgs, 1)
		assert.Equal(t, 9, msgs[0].Id)
		assert.Equal(t, EventServerHello, msgs[0].Event)
		assert.Equal(t, HelloPayload{ConnId: c.ID(), User: c.User()}, msgs[0].Data)
	})
}
