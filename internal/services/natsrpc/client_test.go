package natsrpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *nats.Conn {
	t.Helper()
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// respond registers a fake remote that answers every request on subject with
// the reply produced by fn.
func respond(t *testing.T, nc *nats.Conn, subject string, fn func(req map[string]any) Reply) {
	t.Helper()
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		var req map[string]any
		_ = json.Unmarshal(m.Data, &req)
		rep, _ := json.Marshal(fn(req))
		_ = m.Respond(rep)
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func okData(t *testing.T, v any) Reply {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return Reply{Ok: true, Data: data}
}

func TestClient_ValidateSession(t *testing.T) {
	nc := newTestConn(t)
	c := NewClient(nc, "", time.Second)

	respond(t, nc, "chat.rpc.auth.session", func(req map[string]any) Reply {
		if req["token"] != "good" {
			return Reply{Code: CodeUnauthenticated, Error: "bad token"}
		}
		return okData(t, sessionReply{User: types.User{Id: "u1", Username: "alice"}})
	})

	id, err := c.ValidateSession(context.Background(), services.Handshake{
		Token:       "good",
		Offset:      3,
		HasOffset:   true,
		GroupChatId: "g1",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", id.User.Id)
	require.NotNil(t, id.Recovery)
	assert.Equal(t, types.ChatRef{Type: types.ChatTypeGroup, Id: "g1"}, id.Recovery.Chat)

	_, err = c.ValidateSession(context.Background(), services.Handshake{Token: "bad"})
	assert.ErrorIs(t, err, services.ErrUnauthenticated)
}

func TestClient_SocialGraphAndSettings(t *testing.T) {
	nc := newTestConn(t)
	c := NewClient(nc, "test.rpc", time.Second)

	respond(t, nc, "test.rpc.graph.friend", func(req map[string]any) Reply {
		return okData(t, boolReply{Value: req["user_a"] == "alice" && req["user_b"] == "bob"})
	})
	respond(t, nc, "test.rpc.graph.blocked", func(req map[string]any) Reply {
		return okData(t, boolReply{Value: req["user_a"] == "carol"})
	})
	respond(t, nc, "test.rpc.settings.friends_only", func(req map[string]any) Reply {
		return okData(t, boolReply{Value: req["user_id"] == "bob"})
	})

	ctx := context.Background()
	tcases := []struct {
		name   string
		call   func() (bool, error)
		expect bool
	}{
		{"friends", func() (bool, error) { return c.IsFriend(ctx, "alice", "bob") }, true},
		{"not friends", func() (bool, error) { return c.IsFriend(ctx, "alice", "carol") }, false},
		{"blocked", func() (bool, error) { return c.IsBlocked(ctx, "carol", "alice") }, true},
		{"not blocked", func() (bool, error) { return c.IsBlocked(ctx, "alice", "carol") }, false},
		{"friends only", func() (bool, error) { return c.OnlyFriendsCanMessage(ctx, "bob") }, true},
		{"open inbox", func() (bool, error) { return c.OnlyFriendsCanMessage(ctx, "alice") }, false},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := tc.call()
			assert.NoError(t, err)
			assert.Equal(t, tc.expect, v)
		})
	}
}

func TestClient_Groups(t *testing.T) {
	nc := newTestConn(t)
	c := NewClient(nc, "", time.Second)

	respond(t, nc, "chat.rpc.groups.membership", func(req map[string]any) Reply {
		switch req["user_id"] {
		case "admin":
			return okData(t, types.Membership{GroupId: "g1", UserId: "admin", Role: types.GroupRoleAdmin})
		case "member":
			return okData(t, types.Membership{GroupId: "g1", UserId: "member", Role: types.GroupRoleMember})
		}
		return Reply{Code: CodeNotMember, Error: "not in group"}
	})
	respond(t, nc, "chat.rpc.groups.permission", func(req map[string]any) Reply {
		return okData(t, boolReply{Value: req["permission"] == string(types.PermissionSendMessage)})
	})
	respond(t, nc, "chat.rpc.groups.members", func(req map[string]any) Reply {
		if req["group_id"] != "g1" {
			return Reply{Code: CodeNotFound, Error: "no such group"}
		}
		return okData(t, membersReply{UserIds: []string{"admin", "member"}})
	})

	ctx := context.Background()

	m, err := c.CheckMembership(ctx, "g1", "admin")
	require.NoError(t, err)
	assert.True(t, m.IsAdmin())

	m, err = c.CheckMembership(ctx, "g1", "member")
	require.NoError(t, err)
	assert.False(t, m.IsAdmin())

	_, err = c.CheckMembership(ctx, "g1", "stranger")
	assert.ErrorIs(t, err, services.ErrNotMember)

	ok, err := c.CheckPermission(ctx, "g1", types.PermissionSendMessage)
	require.NoError(t, err)
	assert.True(t, ok)

	ids, err := c.ListMembers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "member"}, ids)

	_, err = c.ListMembers(ctx, "g2")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestClient_RemoteAndTransportErrors(t *testing.T) {
	nc := newTestConn(t)
	c := NewClient(nc, "", 100*time.Millisecond)

	respond(t, nc, "chat.rpc.graph.friend", func(map[string]any) Reply {
		return Reply{Code: "internal", Error: "database down"}
	})

	_, err := c.IsFriend(context.Background(), "a", "b")
	require.Error(t, err)
	assert.True(t, IsRemote(err))
	assert.Contains(t, err.Error(), "database down")

	// nobody answers on this subject
	_, err = c.IsBlocked(context.Background(), "a", "b")
	require.Error(t, err)
	assert.False(t, IsRemote(err))
}
