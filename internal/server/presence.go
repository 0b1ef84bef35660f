package server

import (
	"hash/fnv"
	"sync"

	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/npezzotti/go-chatgateway/internal/registry"
	"github.com/rs/zerolog"
)

const presenceShards = 16

type presenceShard struct {
	mu     sync.Mutex
	online map[string]struct{}
}

// PresenceBroadcaster announces a user as online or offline whenever the
// registry state of that user differs from what was last announced. Callers
// invoke Sync after a 0->1 or 1->0 transition; announcements for one user are
// serialized so they can never be observed out of order.
type PresenceBroadcaster struct {
	registry *registry.Registry
	log      zerolog.Logger
	shards   [presenceShards]*presenceShard
}

func NewPresenceBroadcaster(reg *registry.Registry, l zerolog.Logger) *PresenceBroadcaster {
	p := &PresenceBroadcaster{registry: reg, log: l}
	for i := range p.shards {
		p.shards[i] = &presenceShard{online: make(map[string]struct{})}
	}
	return p
}

func (p *PresenceBroadcaster) shardFor(userId string) *presenceShard {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return p.shards[h.Sum32()%presenceShards]
}

// Sync broadcasts the user's current status if it changed and reports whether
// it did.
func (p *PresenceBroadcaster) Sync(userId string) bool {
	s := p.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	online := p.registry.IsOnline(userId)
	_, announced := s.online[userId]
	if online == announced {
		return false
	}

	status := StatusOffline
	if online {
		status = StatusOnline
		s.online[userId] = struct{}{}
	} else {
		delete(s.online, userId)
	}

	p.broadcast(PresencePayload{UserId: userId, Status: status})
	return true
}

func (p *PresenceBroadcaster) broadcast(payload PresencePayload) {
	n := 0
	p.registry.Range(func(c registry.Conn) bool {
		if c.Send(EventUserOnlineStatus, payload) {
			n++
		}
		return true
	})
	p.log.Debug().Str(logger.FieldUserID, payload.UserId).Str("status", payload.Status).Int("recipients", n).Msg("presence changed")
}

func (p *PresenceBroadcaster) Status(userId string) string {
	if p.registry.IsOnline(userId) {
		return StatusOnline
	}
	return StatusOffline
}
