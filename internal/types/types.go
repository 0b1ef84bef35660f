package types

import (
	"time"
)

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

func (ct ChatType) Valid() bool {
	return ct == ChatTypeDirect || ct == ChatTypeGroup
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusSeen      MessageStatus = "seen"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusSeen:
		return true
	}
	return false
}

type GroupRole string

const (
	GroupRoleAdmin  GroupRole = "admin"
	GroupRoleMember GroupRole = "member"
)

// GroupPermission names a per-group flag that lets plain members perform an
// action admins can always perform.
type GroupPermission string

const (
	PermissionSendMessage GroupPermission = "SEND_MESSAGE"
)

type User struct {
	Id       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type Message struct {
	Id          int64         `json:"id"`
	ChatType    ChatType      `json:"chat_type"`
	ChatId      string        `json:"chat_id"`
	SenderId    string        `json:"sender_id"`
	RecipientId string        `json:"recipient_id,omitempty"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

type DirectChat struct {
	Id        string    `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

// HasParticipant reports whether userId is one of the two sides of the chat.
func (dc DirectChat) HasParticipant(userId string) bool {
	return dc.UserA == userId || dc.UserB == userId
}

// Peer returns the other participant.
func (dc DirectChat) Peer(userId string) string {
	if dc.UserA == userId {
		return dc.UserB
	}
	return dc.UserA
}

type GroupChat struct {
	Id   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ChatRef identifies a direct or group chat.
type ChatRef struct {
	Type ChatType `json:"type"`
	Id   string   `json:"id"`
}

type Membership struct {
	GroupId string    `json:"group_id"`
	UserId  string    `json:"user_id"`
	Role    GroupRole `json:"role"`
}

func (m Membership) IsAdmin() bool {
	return m.Role == GroupRoleAdmin
}
