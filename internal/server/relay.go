package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/npezzotti/go-chatgateway/internal/registry"
	"github.com/npezzotti/go-chatgateway/internal/services/natsrpc"
	"github.com/npezzotti/go-chatgateway/internal/stats"
)

// relayRoute holds the routing keys of a relayed event. Which fields are
// required depends on the event.
type relayRoute struct {
	GroupId string   `json:"groupId"`
	ChatId  string   `json:"chatId"`
	UserId  string   `json:"userId"`
	UserIds []string `json:"userIds"`

	// set for notify_user, which wraps the event delivered to the users
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type relayFunc func(ctx context.Context, route relayRoute, payload json.RawMessage) error

func (cs *ChatServer) relayTable() map[string]relayFunc {
	return map[string]relayFunc{
		EventAddGroupChatMembers:  cs.relayToGroup(EventAddGroupChatMembers),
		EventUpdateGroupChatInfo:  cs.relayToGroup(EventUpdateGroupChatInfo),
		EventMemberLeaveGroupChat: cs.relayMemberLeave,
		EventRemoveGroupMembers:   cs.relayRemoveMembers,
		EventDeleteGroupChat:      cs.relayDeleteGroup,
		EventDeleteDirectChat:     cs.relayDeleteDirect,
		EventUpdateUserInfo:       cs.relayUserInfo,
		EventNotifyUser:           cs.relayNotify,
	}
}

// HandleRelayEvent routes an event published by another service to the
// connections it concerns. It implements natsrpc.EventHandler.
func (cs *ChatServer) HandleRelayEvent(ctx context.Context, ev natsrpc.Event) error {
	fn, ok := cs.relays[ev.Event]
	if !ok {
		return fmt.Errorf("unknown relay event %q", ev.Event)
	}

	var route relayRoute
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &route); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Event, err)
		}
	}

	if err := fn(ctx, route, ev.Data); err != nil {
		return fmt.Errorf("relay %s: %w", ev.Event, err)
	}
	cs.stats.Incr(stats.RelayedEvents)
	return nil
}

func (cs *ChatServer) relayToGroup(event string) relayFunc {
	return func(ctx context.Context, route relayRoute, payload json.RawMessage) error {
		if route.GroupId == "" {
			return errors.New("missing groupId")
		}
		n := cs.rooms.BroadcastToRoom(GroupRoom(route.GroupId), event, payload, "")
		l := logger.Ctx(ctx)
		l.Debug().Str(logger.FieldRoomID, GroupRoom(route.GroupId)).Int("delivered", n).Msg("relayed group event")
		return nil
	}
}

func (cs *ChatServer) relayMemberLeave(ctx context.Context, route relayRoute, payload json.RawMessage) error {
	if route.GroupId == "" || route.UserId == "" {
		return errors.New("missing groupId or userId")
	}
	room := GroupRoom(route.GroupId)
	cs.rooms.BroadcastToRoom(room, EventMemberLeaveGroupChat, payload, "")
	cs.rooms.RemoveUser(room, route.UserId)
	return nil
}

func (cs *ChatServer) relayRemoveMembers(ctx context.Context, route relayRoute, payload json.RawMessage) error {
	if route.GroupId == "" {
		return errors.New("missing groupId")
	}
	room := GroupRoom(route.GroupId)
	cs.rooms.BroadcastToRoom(room, EventRemoveGroupMembers, payload, "")

	// removed users that never opened the room still need to hear about it
	for _, userId := range route.UserIds {
		for _, c := range cs.registry.List(userId) {
			if !cs.rooms.InRoom(c.ID(), room) {
				c.Send(EventRemoveGroupMembers, payload)
			}
		}
		cs.rooms.RemoveUser(room, userId)
	}
	return nil
}

func (cs *ChatServer) relayDeleteGroup(ctx context.Context, route relayRoute, payload json.RawMessage) error {
	if route.GroupId == "" {
		return errors.New("missing groupId")
	}
	room := GroupRoom(route.GroupId)
	cs.rooms.BroadcastToRoom(room, EventDeleteGroupChat, payload, "")
	cs.rooms.Drop(room)
	return nil
}

func (cs *ChatServer) relayDeleteDirect(ctx context.Context, route relayRoute, payload json.RawMessage) error {
	if route.ChatId == "" {
		return errors.New("missing chatId")
	}
	room := DirectRoom(route.ChatId)
	cs.rooms.BroadcastToRoom(room, EventDeleteDirectChat, payload, "")
	cs.rooms.Drop(room)
	return nil
}

// relayUserInfo reaches everyone currently looking at a direct chat with the
// user, plus the user's own devices. Each connection gets the event once.
func (cs *ChatServer) relayUserInfo(ctx context.Context, route relayRoute, payload json.RawMessage) error {
	if route.UserId == "" {
		return errors.New("missing userId")
	}

	seen := make(map[string]struct{})
	send := func(c registry.Conn) {
		if _, ok := seen[c.ID()]; ok {
			return
		}
		seen[c.ID()] = struct{}{}
		c.Send(EventUpdateUserInfo, payload)
	}

	for _, chatId := range cs.registry.LinkedChats(route.UserId) {
		for _, c := range cs.rooms.Members(DirectRoom(chatId)) {
			send(c)
		}
	}
	for _, c := range cs.registry.List(route.UserId) {
		send(c)
	}
	return nil
}

func (cs *ChatServer) relayNotify(ctx context.Context, route relayRoute, _ json.RawMessage) error {
	if route.Event == "" || len(route.UserIds) == 0 {
		return errors.New("missing event or userIds")
	}
	for _, userId := range route.UserIds {
		cs.rooms.BroadcastToUser(userId, route.Event, route.Data, "")
	}
	return nil
}
