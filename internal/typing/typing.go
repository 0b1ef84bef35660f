// Package typing keeps at most one "is typing" timer per user.
package typing

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultTimeout = 5 * time.Second
	numShards      = 16
)

// Target is the recipient a user is typing at. It is stored by id and resolved
// through the connection registry when an event has to be delivered.
type Target struct {
	UserId string
}

// State is the active typing state of one user. A user without a State is idle.
type State struct {
	Target   Target
	ChatId   string
	Deadline time.Time
}

// ExpireFunc is called, outside any lock, when a timer runs out.
type ExpireFunc func(userId string, st State)

type entry struct {
	state State
	gen   uint64
	timer *clock.Timer
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type Coordinator struct {
	clock    clock.Clock
	timeout  time.Duration
	onExpire ExpireFunc
	shards   [numShards]*shard

	genMu sync.Mutex
	gen   uint64
}

func NewCoordinator(clk clock.Clock, timeout time.Duration, onExpire ExpireFunc) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Coordinator{
		clock:    clk,
		timeout:  timeout,
		onExpire: onExpire,
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

func (c *Coordinator) shardFor(userId string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return c.shards[h.Sum32()%numShards]
}

func (c *Coordinator) nextGen() uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	c.gen++
	return c.gen
}

// Start replaces any active timer of the user with a new one aimed at target.
// It returns the replaced state, if there was one. The replaced timer never
// fires after Start returns.
func (c *Coordinator) Start(userId string, target Target, chatId string) (State, bool) {
	s := c.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, replaced := s.entries[userId]
	if replaced {
		prev.timer.Stop()
	}

	gen := c.nextGen()
	e := &entry{
		state: State{
			Target:   target,
			ChatId:   chatId,
			Deadline: c.clock.Now().Add(c.timeout),
		},
		gen: gen,
	}
	e.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(userId, gen) })
	s.entries[userId] = e

	if replaced {
		return prev.state, true
	}
	return State{}, false
}

// Stop cancels the user's timer. The caller is responsible for telling the
// target that typing stopped.
func (c *Coordinator) Stop(userId string) (State, bool) {
	s := c.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userId]
	if !ok {
		return State{}, false
	}

	e.timer.Stop()
	delete(s.entries, userId)
	return e.state, true
}

// Get returns the user's active state, if any.
func (c *Coordinator) Get(userId string) (State, bool) {
	s := c.shardFor(userId)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[userId]; ok {
		return e.state, true
	}
	return State{}, false
}

func (c *Coordinator) expire(userId string, gen uint64) {
	s := c.shardFor(userId)
	s.mu.Lock()
	e, ok := s.entries[userId]
	if !ok || e.gen != gen {
		// replaced or stopped after the timer was already scheduled to fire
		s.mu.Unlock()
		return
	}
	delete(s.entries, userId)
	s.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire(userId, e.state)
	}
}
