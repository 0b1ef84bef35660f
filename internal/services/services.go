// Package services declares the contracts of the collaborators the gateway
// calls out to. Implementations live in subpackages and in internal/database.
package services

import (
	"context"
	"errors"

	"github.com/npezzotti/go-chatgateway/internal/types"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotMember       = errors.New("not a member")
)

// Handshake carries what a client presented when opening a connection.
type Handshake struct {
	Token        string
	RemoteAddr   string
	Offset       int64
	HasOffset    bool
	DirectChatId string
	GroupChatId  string
}

// Recovery returns the replay request encoded in the handshake, or nil when the
// client did not ask for one.
func (h Handshake) Recovery() *Recovery {
	if !h.HasOffset {
		return nil
	}

	switch {
	case h.DirectChatId != "":
		return &Recovery{Offset: h.Offset, Chat: types.ChatRef{Type: types.ChatTypeDirect, Id: h.DirectChatId}}
	case h.GroupChatId != "":
		return &Recovery{Offset: h.Offset, Chat: types.ChatRef{Type: types.ChatTypeGroup, Id: h.GroupChatId}}
	}
	return nil
}

type Recovery struct {
	Offset int64
	Chat   types.ChatRef
}

// Identity is the result of a successful session validation.
type Identity struct {
	User     types.User
	Recovery *Recovery
}

type CreateMessageParams struct {
	ChatType    types.ChatType
	ChatId      string
	SenderId    string
	RecipientId string
	Content     string
	Token       string
}

type UpdateStatusParams struct {
	MessageId int64
	Status    types.MessageStatus
	ReaderId  string
}

type Notification struct {
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	Chat      types.ChatRef `json:"chat"`
	MessageId int64         `json:"message_id,omitempty"`
	SenderId  string        `json:"sender_id,omitempty"`
}

type Auth interface {
	// ValidateConnection is the cheap check run before anything else.
	ValidateConnection(ctx context.Context, hs Handshake) error
	ValidateSession(ctx context.Context, hs Handshake) (Identity, error)
}

type Messages interface {
	Create(ctx context.Context, params CreateMessageParams) (types.Message, error)
	UpdateStatus(ctx context.Context, params UpdateStatusParams) (types.Message, error)
	// GetNewerThan returns messages of chat with id > offset in ascending id
	// order, at most limit of them.
	GetNewerThan(ctx context.Context, offset int64, chat types.ChatRef, limit int) ([]types.Message, error)
}

type Conversations interface {
	// FindOrCreateDirect reports created=true only when the chat did not exist.
	FindOrCreateDirect(ctx context.Context, userA, userB string) (types.DirectChat, bool, error)
	GetDirect(ctx context.Context, chatId string) (types.DirectChat, error)
}

type Groups interface {
	// CheckMembership returns ErrNotMember when userId is not in the group.
	CheckMembership(ctx context.Context, groupId, userId string) (types.Membership, error)
	CheckPermission(ctx context.Context, groupId string, perm types.GroupPermission) (bool, error)
	ListMembers(ctx context.Context, groupId string) ([]string, error)
}

type SocialGraph interface {
	IsFriend(ctx context.Context, userA, userB string) (bool, error)
	IsBlocked(ctx context.Context, blocker, blocked string) (bool, error)
}

type Settings interface {
	OnlyFriendsCanMessage(ctx context.Context, userId string) (bool, error)
}

type Notifier interface {
	PushToUser(ctx context.Context, userId string, n Notification) error
}

type SearchIndex interface {
	IndexMessage(ctx context.Context, msg types.Message) error
}

// Set bundles every collaborator the gateway needs.
type Set struct {
	Auth          Auth
	Messages      Messages
	Conversations Conversations
	Groups        Groups
	SocialGraph   SocialGraph
	Settings      Settings
	Notifier      Notifier
	SearchIndex   SearchIndex
}
