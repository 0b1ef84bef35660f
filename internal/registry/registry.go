// Package registry tracks the live connections of every user on this process.
package registry

import (
	"hash/fnv"
	"slices"
	"sync"
)

const defaultShards = 32

// Conn is one live transport session of a single device.
type Conn interface {
	ID() string
	UserID() string
	// Send queues an event for delivery and reports whether it was accepted.
	Send(event string, payload any) bool
}

type shard struct {
	mu    sync.Mutex
	conns map[string][]Conn
	// links holds the direct chats each user opened since connecting.
	links map[string]map[string]struct{}
}

// Registry maps user ids to their ordered list of live connections. A user is
// present only while the list is non-empty. Operations on one user are
// serialized by the user's shard lock; other users are unaffected.
type Registry struct {
	shards []*shard
}

func New(numShards int) *Registry {
	if numShards <= 0 {
		numShards = defaultShards
	}

	r := &Registry{shards: make([]*shard, numShards)}
	for i := range r.shards {
		r.shards[i] = &shard{
			conns: make(map[string][]Conn),
			links: make(map[string]map[string]struct{}),
		}
	}

	return r
}

func (r *Registry) shardFor(userId string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Add appends conn to the user's list and returns the number of connections
// the user had before the call.
func (r *Registry) Add(userId string, conn Conn) int {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := len(s.conns[userId])
	s.conns[userId] = append(s.conns[userId], conn)
	return prev
}

// Remove drops the connection with connId. It reports whether a connection was
// removed and how many remain for the user.
func (r *Registry) Remove(userId, connId string) (bool, int) {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.conns[userId]
	idx := slices.IndexFunc(conns, func(c Conn) bool { return c.ID() == connId })
	if idx < 0 {
		return false, len(conns)
	}

	conns = slices.Delete(slices.Clone(conns), idx, idx+1)
	if len(conns) == 0 {
		delete(s.conns, userId)
		return true, 0
	}

	s.conns[userId] = conns
	return true, len(conns)
}

// List returns a copy of the user's connections, nil when offline.
func (r *Registry) List(userId string) []Conn {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.conns[userId])
}

func (r *Registry) IsOnline(userId string) bool {
	return len(r.List(userId)) > 0
}

// CountOnline returns the number of users with at least one connection.
func (r *Registry) CountOnline() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.conns)
		s.mu.Unlock()
	}
	return n
}

// CountConnections returns the number of live connections across all users.
func (r *Registry) CountConnections() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for _, conns := range s.conns {
			n += len(conns)
		}
		s.mu.Unlock()
	}
	return n
}

// Range calls fn for every connection. Each shard is snapshotted before fn
// runs, so fn may call back into the registry.
func (r *Registry) Range(fn func(c Conn) bool) {
	for _, s := range r.shards {
		s.mu.Lock()
		var snapshot []Conn
		for _, conns := range s.conns {
			snapshot = append(snapshot, conns...)
		}
		s.mu.Unlock()

		for _, c := range snapshot {
			if !fn(c) {
				return
			}
		}
	}
}

// LinkChat records that the user opened the direct chat.
func (r *Registry) LinkChat(userId, chatId string) {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.links[userId] == nil {
		s.links[userId] = make(map[string]struct{})
	}
	s.links[userId][chatId] = struct{}{}
}

func (r *Registry) LinkedChats(userId string) []string {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	chats := make([]string, 0, len(s.links[userId]))
	for id := range s.links[userId] {
		chats = append(chats, id)
	}
	slices.Sort(chats)
	return chats
}

func (r *Registry) ClearLinks(userId string) {
	s := r.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.links, userId)
}
