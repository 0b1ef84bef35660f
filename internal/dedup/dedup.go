// Package dedup remembers the idempotency tokens each user has submitted so a
// retried send is not persisted twice.
package dedup

import (
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultTokensPerUser = 1024
	numShards            = 16
)

type shard struct {
	mu     sync.Mutex
	tokens map[string]*lru.Cache[string, struct{}]
}

// Guard holds one bounded token set per user. Once a set is full the oldest
// token is evicted and would be accepted again.
type Guard struct {
	capacity int
	shards   [numShards]*shard
}

func New(tokensPerUser int) *Guard {
	if tokensPerUser <= 0 {
		tokensPerUser = DefaultTokensPerUser
	}

	g := &Guard{capacity: tokensPerUser}
	for i := range g.shards {
		g.shards[i] = &shard{tokens: make(map[string]*lru.Cache[string, struct{}])}
	}
	return g
}

func (g *Guard) shardFor(userId string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return g.shards[h.Sum32()%numShards]
}

// IsUnique records token for the user and reports whether it was seen for the
// first time.
func (g *Guard) IsUnique(userId, token string) bool {
	s := g.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tokens[userId]
	if !ok {
		// lru.New only fails on a non-positive size
		set, _ = lru.New[string, struct{}](g.capacity)
		s.tokens[userId] = set
	}

	seen, _ := set.ContainsOrAdd(token, struct{}{})
	return !seen
}

// Clear forgets every token of the user and returns how many there were.
func (g *Guard) Clear(userId string) int {
	s := g.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tokens[userId]
	if !ok {
		return 0
	}
	delete(s.tokens, userId)
	return set.Len()
}

// Forget releases a token accepted earlier so the same submission can be
// retried, used when the send it guarded did not go through.
func (g *Guard) Forget(userId, token string) {
	s := g.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.tokens[userId]; ok {
		set.Remove(token)
	}
}
