// Package natsrpc reaches the session, social graph, settings and group
// services over NATS request/reply, and relays domain events published by
// those services back into the gateway.
package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/types"
)

const (
	DefaultPrefix  = "chat.rpc"
	DefaultTimeout = 3 * time.Second

	subjectSession      = "auth.session"
	subjectFriend       = "graph.friend"
	subjectBlocked      = "graph.blocked"
	subjectFriendsOnly  = "settings.friends_only"
	subjectMembership   = "groups.membership"
	subjectPermission   = "groups.permission"
	subjectGroupMembers = "groups.members"
)

const (
	CodeNotFound        = "not_found"
	CodeUnauthenticated = "unauthenticated"
	CodeNotMember       = "not_member"
)

// Reply is the envelope every remote answers with.
type Reply struct {
	Ok    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RemoteError is a failure reported by the remote service that has no
// sentinel counterpart.
type RemoteError struct {
	Subject string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Subject, e.Code, e.Message)
}

// Dial connects to NATS the way every gateway process does.
func Dial(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Client implements the session resolver, services.SocialGraph,
// services.Settings and services.Groups.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewClient(nc *nats.Conn, prefix string, timeout time.Duration) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{nc: nc, prefix: prefix, timeout: timeout}
}

func (c *Client) subject(name string) string {
	return c.prefix + "." + name
}

func (c *Client) call(ctx context.Context, name string, req, out any) error {
	subj := c.subject(name)

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subj, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subj, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subj, err)
	}

	var rep Reply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return fmt.Errorf("decode %s reply: %w", subj, err)
	}

	if !rep.Ok {
		return replyError(subj, rep)
	}

	if out == nil || len(rep.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(rep.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", subj, err)
	}
	return nil
}

func replyError(subj string, rep Reply) error {
	var sentinel error
	switch rep.Code {
	case CodeNotFound:
		sentinel = services.ErrNotFound
	case CodeUnauthenticated:
		sentinel = services.ErrUnauthenticated
	case CodeNotMember:
		sentinel = services.ErrNotMember
	default:
		return &RemoteError{Subject: subj, Code: rep.Code, Message: rep.Error}
	}
	return fmt.Errorf("%s: %w", subj, sentinel)
}

type sessionRequest struct {
	Token      string `json:"token"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

type sessionReply struct {
	User types.User `json:"user"`
}

type pairRequest struct {
	UserA string `json:"user_a"`
	UserB string `json:"user_b"`
}

type userRequest struct {
	UserId string `json:"user_id"`
}

type groupRequest struct {
	GroupId    string                `json:"group_id"`
	UserId     string                `json:"user_id,omitempty"`
	Permission types.GroupPermission `json:"permission,omitempty"`
}

type boolReply struct {
	Value bool `json:"value"`
}

type membersReply struct {
	UserIds []string `json:"user_ids"`
}

func (c *Client) ValidateSession(ctx context.Context, hs services.Handshake) (services.Identity, error) {
	var rep sessionReply
	if err := c.call(ctx, subjectSession, sessionRequest{Token: hs.Token, RemoteAddr: hs.RemoteAddr}, &rep); err != nil {
		return services.Identity{}, err
	}

	if rep.User.Id == "" {
		return services.Identity{}, fmt.Errorf("%s: empty user id: %w", c.subject(subjectSession), services.ErrUnauthenticated)
	}

	return services.Identity{User: rep.User, Recovery: hs.Recovery()}, nil
}

func (c *Client) IsFriend(ctx context.Context, userA, userB string) (bool, error) {
	var rep boolReply
	err := c.call(ctx, subjectFriend, pairRequest{UserA: userA, UserB: userB}, &rep)
	return rep.Value, err
}

// IsBlocked reports whether blocker has blocked blocked.
func (c *Client) IsBlocked(ctx context.Context, blocker, blocked string) (bool, error) {
	var rep boolReply
	err := c.call(ctx, subjectBlocked, pairRequest{UserA: blocker, UserB: blocked}, &rep)
	return rep.Value, err
}

func (c *Client) OnlyFriendsCanMessage(ctx context.Context, userId string) (bool, error) {
	var rep boolReply
	err := c.call(ctx, subjectFriendsOnly, userRequest{UserId: userId}, &rep)
	return rep.Value, err
}

func (c *Client) CheckMembership(ctx context.Context, groupId, userId string) (types.Membership, error) {
	var m types.Membership
	if err := c.call(ctx, subjectMembership, groupRequest{GroupId: groupId, UserId: userId}, &m); err != nil {
		return types.Membership{}, err
	}
	return m, nil
}

func (c *Client) CheckPermission(ctx context.Context, groupId string, perm types.GroupPermission) (bool, error) {
	var rep boolReply
	err := c.call(ctx, subjectPermission, groupRequest{GroupId: groupId, Permission: perm}, &rep)
	return rep.Value, err
}

func (c *Client) ListMembers(ctx context.Context, groupId string) ([]string, error) {
	var rep membersReply
	if err := c.call(ctx, subjectGroupMembers, groupRequest{GroupId: groupId}, &rep); err != nil {
		return nil, err
	}
	return rep.UserIds, nil
}

// IsRemote reports whether err was produced by the remote service rather than
// by the transport.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
