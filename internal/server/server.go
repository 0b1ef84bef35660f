package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/go-chatgateway/internal/config"
	"github.com/npezzotti/go-chatgateway/internal/dedup"
	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/npezzotti/go-chatgateway/internal/registry"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/stats"
	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/npezzotti/go-chatgateway/internal/typing"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("connection closed")

type Options struct {
	HandlerTimeout     time.Duration
	HandshakeTimeout   time.Duration
	TypingTimeout      time.Duration
	DedupTokensPerUser int
	RecoveryLimit      int
	RegistryShards     int
	WebSocket          config.WebSocketConfig
	// Clock drives typing timers. Defaults to the wall clock.
	Clock clock.Clock
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HandlerTimeout:     cfg.Gateway.HandlerTimeout,
		HandshakeTimeout:   cfg.Gateway.HandshakeTimeout,
		TypingTimeout:      cfg.Gateway.TypingTimeout,
		DedupTokensPerUser: cfg.Gateway.DedupTokensPerUser,
		RecoveryLimit:      cfg.Gateway.RecoveryLimit,
		RegistryShards:     cfg.Gateway.RegistryShards,
		WebSocket:          cfg.WebSocket,
	}
}

func (o *Options) setDefaults() {
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.WebSocket.PongWait <= 0 {
		o.WebSocket.PongWait = 60 * time.Second
	}
	if o.WebSocket.PingInterval <= 0 {
		o.WebSocket.PingInterval = (o.WebSocket.PongWait * 9) / 10
	}
	if o.WebSocket.WriteWait <= 0 {
		o.WebSocket.WriteWait = 10 * time.Second
	}
	if o.WebSocket.MaxMessageSize <= 0 {
		o.WebSocket.MaxMessageSize = 4096
	}
	if o.WebSocket.SendBuffer <= 0 {
		o.WebSocket.SendBuffer = 256
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// ChatServer is the gateway: it owns the in-memory state of every live
// connection on this process and runs the per-event protocols against the
// external services.
type ChatServer struct {
	log   zerolog.Logger
	svc   services.Set
	stats stats.StatsProvider
	opts  Options

	registry *registry.Registry
	dedup    *dedup.Guard
	typing   *typing.Coordinator
	rooms    *RoomRouter
	presence *PresenceBroadcaster
	recovery *RecoveryService
	handlers [numCommands]handlerFunc
	relays   map[string]relayFunc

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	// async tracks best-effort side effects still in flight.
	async    sync.WaitGroup
	shutdown atomic.Bool
}

func NewChatServer(l zerolog.Logger, svc services.Set, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	switch {
	case svc.Auth == nil:
		return nil, fmt.Errorf("auth service is required")
	case svc.Messages == nil:
		return nil, fmt.Errorf("message service is required")
	case svc.Conversations == nil:
		return nil, fmt.Errorf("conversation service is required")
	case svc.Groups == nil:
		return nil, fmt.Errorf("group service is required")
	case svc.SocialGraph == nil:
		return nil, fmt.Errorf("social graph service is required")
	case svc.Settings == nil:
		return nil, fmt.Errorf("settings service is required")
	}

	opts.setDefaults()

	reg := registry.New(opts.RegistryShards)
	cs := &ChatServer{
		log:      l,
		svc:      svc,
		stats:    su,
		opts:     opts,
		registry: reg,
		dedup:    dedup.New(opts.DedupTokensPerUser),
		rooms:    NewRoomRouter(reg, l),
		presence: NewPresenceBroadcaster(reg, l),
		recovery: NewRecoveryService(svc.Messages, svc.Conversations, svc.Groups, opts.RecoveryLimit),
		clients:  make(map[*Client]struct{}),
	}
	cs.typing = typing.NewCoordinator(opts.Clock, opts.TypingTimeout, cs.typingExpired)
	cs.handlers = cs.dispatchTable()
	cs.relays = cs.relayTable()

	cs.stats.RegisterMetric(stats.ActiveConnections)
	cs.stats.RegisterCounter(stats.MessagesSent)
	cs.stats.RegisterCounter(stats.DuplicateSubmissions)
	cs.stats.RegisterCounter(stats.HandlerErrors)
	cs.stats.RegisterCounter(stats.RelayedEvents)
	cs.stats.RegisterGaugeFunc(stats.OnlineUsers, func() float64 {
		return float64(cs.registry.CountOnline())
	})

	return cs, nil
}

func (cs *ChatServer) Registry() *registry.Registry {
	return cs.registry
}

// Open authenticates the client and makes it active. On failure the client
// receives an unauthorized reply and its transport is closed once the reply is
// flushed.
func (cs *ChatServer) Open(ctx context.Context, c *Client) error {
	if cs.shutdown.Load() {
		c.markDisconnected()
		c.closeSend()
		return ErrClosed
	}
	if !c.transition(StateConnecting, StateAuthenticating) {
		return fmt.Errorf("open client in state %s", c.State())
	}
	cs.addClient(c)

	ctx, cancel := context.WithTimeout(ctx, cs.opts.HandshakeTimeout)
	defer cancel()

	if err := cs.svc.Auth.ValidateConnection(ctx, c.handshake); err != nil {
		return cs.rejectClient(c, err)
	}

	identity, err := cs.svc.Auth.ValidateSession(ctx, c.handshake)
	if err != nil {
		return cs.rejectClient(c, err)
	}
	if identity.User.Id == "" {
		return cs.rejectClient(c, fmt.Errorf("session without user id: %w", services.ErrUnauthenticated))
	}

	c.user = identity.User
	c.log = c.log.With().Str(logger.FieldUserID, c.user.Id).Logger()

	if !c.transition(StateAuthenticating, StateActive) {
		// disconnected while the session was being resolved
		cs.removeClient(c)
		return ErrClosed
	}

	cs.stats.Incr(stats.ActiveConnections)
	if cs.registry.Add(c.user.Id, c) == 0 {
		cs.presence.Sync(c.user.Id)
	}
	if c.State() != StateActive {
		// raced with disconnect, which may have run before the entry existed
		removed, remaining := cs.registry.Remove(c.user.Id, c.id)
		if removed {
			cs.stats.Decr(stats.ActiveConnections)
		}
		if remaining == 0 {
			cs.presence.Sync(c.user.Id)
		}
		return ErrClosed
	}
	c.log.Info().Msg("client connected")

	c.Send(EventServerHello, HelloPayload{ConnId: c.id, User: c.user})

	if identity.Recovery != nil {
		cs.resume(ctx, c, *identity.Recovery)
	}

	return nil
}

// resume replays what c missed in the chat it was looking at and puts c back
// in that chat's room. A refused or failed replay is reported to the client
// and leaves the connection open.
func (cs *ChatServer) resume(ctx context.Context, c *Client, rec services.Recovery) {
	room := RoomFor(rec.Chat)
	l := c.log.With().Str(logger.FieldRoomID, room).Int64("offset", rec.Offset).Logger()

	n, err := cs.recovery.Recover(logger.WithLogger(ctx, l), c, rec)
	if err != nil {
		switch classify(err).Kind {
		case KindAuthorization, KindNotFound, KindValidation:
			l.Info().Err(err).Msg("message recovery refused")
		default:
			l.Error().Err(err).Msg("message recovery failed")
		}
		c.queueMessage(ErrReply(0, err))
		return
	}
	l.Debug().Int("messages", n).Msg("recovered messages")

	cs.rooms.Join(c, room)
	if c.State() != StateActive {
		// disconnect already released the rooms of c
		cs.rooms.LeaveAll(c.id)
		return
	}
	if rec.Chat.Type == types.ChatTypeDirect {
		cs.registry.LinkChat(c.user.Id, rec.Chat.Id)
	}
}

func (cs *ChatServer) rejectClient(c *Client, err error) error {
	c.log.Info().Err(err).Msg("rejecting connection")

	ge := classify(err)
	if ge.Kind != KindDependency {
		ge = ErrAuthentication(err)
	}

	c.markDisconnected()
	c.queueMessage(ErrReply(0, ge))
	c.closeSend()
	cs.removeClient(c)
	return ge
}

// disconnect moves the client to its terminal state and releases everything
// it held. It is safe to call more than once.
func (cs *ChatServer) disconnect(c *Client) {
	prev := c.markDisconnected()
	if prev == StateDisconnected {
		return
	}

	c.closeSend()
	cs.removeClient(c)

	if prev != StateActive {
		return
	}

	cs.rooms.LeaveAll(c.id)

	userId := c.user.Id
	removed, remaining := cs.registry.Remove(userId, c.id)
	if !removed {
		return
	}
	cs.stats.Decr(stats.ActiveConnections)
	c.log.Info().Int("remaining", remaining).Msg("client disconnected")

	if remaining > 0 {
		return
	}

	cs.presence.Sync(userId)
	cs.registry.ClearLinks(userId)
	if n := cs.dedup.Clear(userId); n > 0 {
		c.log.Debug().Int("tokens", n).Msg("released idempotency tokens")
	}
	if st, ok := cs.typing.Stop(userId); ok {
		cs.sendTyping(st.Target.UserId, userId, st.ChatId, false)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	delete(cs.clients, c)
}

// goAsync runs fn in the background under its own timeout. Failures are
// logged and never reach the client.
func (cs *ChatServer) goAsync(l zerolog.Logger, op string, fn func(ctx context.Context) error) {
	cs.async.Add(1)
	go func() {
		defer cs.async.Done()
		defer func() {
			if r := recover(); r != nil {
				l.Error().Interface("panic", r).Str("op", op).Msg("background task panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), cs.opts.HandlerTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			l.Warn().Err(err).Str("op", op).Msg("best-effort task failed")
		}
	}()
}

// Shutdown disconnects every client and waits for in-flight background work.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")
	cs.shutdown.Store(true)

	cs.clientsLock.Lock()
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	for _, c := range clients {
		cs.disconnect(c)
	}

	done := make(chan struct{})
	go func() {
		cs.async.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
