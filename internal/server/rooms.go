package server

import (
	"sync"

	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/npezzotti/go-chatgateway/internal/registry"
	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/rs/zerolog"
)

func DirectRoom(chatId string) string {
	return string(types.ChatTypeDirect) + ":" + chatId
}

func GroupRoom(groupId string) string {
	return string(types.ChatTypeGroup) + ":" + groupId
}

func RoomFor(chat types.ChatRef) string {
	if chat.Type == types.ChatTypeGroup {
		return GroupRoom(chat.Id)
	}
	return DirectRoom(chat.Id)
}

// RoomRouter keeps room membership of connections and fans events out to
// rooms and users. Rooms exist only while they have members.
type RoomRouter struct {
	registry *registry.Registry
	log      zerolog.Logger

	mu sync.RWMutex
	// rooms maps room id to its member connections keyed by connection id.
	rooms map[string]map[string]registry.Conn
	// joined is the reverse index used to clean up after a connection.
	joined map[string]map[string]struct{}
}

func NewRoomRouter(reg *registry.Registry, l zerolog.Logger) *RoomRouter {
	return &RoomRouter{
		registry: reg,
		log:      l,
		rooms:    make(map[string]map[string]registry.Conn),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Join adds c to the room. Joining twice is a no-op.
func (rr *RoomRouter) Join(c registry.Conn, roomId string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.rooms[roomId] == nil {
		rr.rooms[roomId] = make(map[string]registry.Conn)
	}
	rr.rooms[roomId][c.ID()] = c

	if rr.joined[c.ID()] == nil {
		rr.joined[c.ID()] = make(map[string]struct{})
	}
	rr.joined[c.ID()][roomId] = struct{}{}
}

func (rr *RoomRouter) Leave(connId, roomId string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	rr.leaveLocked(connId, roomId)
}

func (rr *RoomRouter) leaveLocked(connId, roomId string) {
	if members, ok := rr.rooms[roomId]; ok {
		delete(members, connId)
		if len(members) == 0 {
			delete(rr.rooms, roomId)
		}
	}

	if rooms, ok := rr.joined[connId]; ok {
		delete(rooms, roomId)
		if len(rooms) == 0 {
			delete(rr.joined, connId)
		}
	}
}

// LeaveAll removes the connection from every room it joined and returns the
// rooms it left.
func (rr *RoomRouter) LeaveAll(connId string) []string {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var left []string
	for roomId := range rr.joined[connId] {
		left = append(left, roomId)
	}
	for _, roomId := range left {
		rr.leaveLocked(connId, roomId)
	}
	return left
}

// RemoveUser evicts every connection of userId from the room.
func (rr *RoomRouter) RemoveUser(roomId, userId string) int {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var evict []string
	for connId, c := range rr.rooms[roomId] {
		if c.UserID() == userId {
			evict = append(evict, connId)
		}
	}
	for _, connId := range evict {
		rr.leaveLocked(connId, roomId)
	}
	return len(evict)
}

// Drop removes the room and all its memberships.
func (rr *RoomRouter) Drop(roomId string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	for connId := range rr.rooms[roomId] {
		rr.leaveLocked(connId, roomId)
	}
	delete(rr.rooms, roomId)
}

func (rr *RoomRouter) Members(roomId string) []registry.Conn {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	members := make([]registry.Conn, 0, len(rr.rooms[roomId]))
	for _, c := range rr.rooms[roomId] {
		members = append(members, c)
	}
	return members
}

func (rr *RoomRouter) InRoom(connId, roomId string) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	_, ok := rr.rooms[roomId][connId]
	return ok
}

// BroadcastToRoom sends the event to every member except skipConnId and
// returns how many connections accepted it.
func (rr *RoomRouter) BroadcastToRoom(roomId, event string, payload any, skipConnId string) int {
	return deliver(rr.Members(roomId), event, payload, skipConnId, rr.log)
}

// BroadcastToUser sends the event to every live connection of userId except
// skipConnId.
func (rr *RoomRouter) BroadcastToUser(userId, event string, payload any, skipConnId string) int {
	return deliver(rr.registry.List(userId), event, payload, skipConnId, rr.log)
}

func deliver(conns []registry.Conn, event string, payload any, skipConnId string, l zerolog.Logger) int {
	n := 0
	for _, c := range conns {
		if c.ID() == skipConnId {
			continue
		}
		if c.Send(event, payload) {
			n++
		} else {
			l.Debug().Str(logger.FieldConnID, c.ID()).Str(logger.FieldEvent, event).Msg("dropped event for slow or closed connection")
		}
	}
	return n
}
