package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-chatgateway/internal/types"
)

// Outbound events.
const (
	EventServerHello          = "server_hello"
	EventRecoveredConnection  = "recovered_connection"
	EventSendMessageDirect    = "send_message_direct"
	EventSendMessageGroup     = "send_message_group"
	EventNewConversation      = "new_conversation"
	EventTypingDirect         = "typing_direct"
	EventMessageSeenDirect    = "message_seen_direct"
	EventUserOnlineStatus     = "broadcast_user_online_status"
	EventAddGroupChatMembers  = "add_group_chat_members"
	EventRemoveGroupMembers   = "remove_group_chat_members"
	EventUpdateGroupChatInfo  = "update_group_chat_info"
	EventDeleteGroupChat      = "delete_group_chat"
	EventMemberLeaveGroupChat = "member_leave_group_chat"
	EventUpdateUserInfo       = "update_user_info"
	EventDeleteDirectChat     = "delete_direct_chat"
	EventNotifyUser           = "notify_user"
)

// Inbound-only events.
const (
	EventJoinGroupChatRoom     = "join_group_chat_room"
	EventJoinDirectChatRoom    = "join_direct_chat_room"
	EventCheckUserOnlineStatus = "check_user_online_status"
	EventClientHello           = "client_hello"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ClientMessage is the envelope of every inbound event. Id is chosen by the
// client and echoed in the reply.
type ClientMessage struct {
	Id    int             `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is either a reply to a ClientMessage (Response set) or a
// pushed event (Event and Data set).
type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Event     string    `json:"event,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Response  *Response `json:"response,omitempty"`
	Data      any       `json:"data,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Code         string `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type SendDirectRequest struct {
	RecipientId string `json:"recipientId"`
	Content     string `json:"content"`
	Token       string `json:"token"`
}

type SendGroupRequest struct {
	GroupId string `json:"groupId"`
	Content string `json:"content"`
	Token   string `json:"token"`
}

type TypingRequest struct {
	RecipientId string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
	ChatId      string `json:"chatId"`
}

type SeenRequest struct {
	MessageId int64               `json:"messageId"`
	Status    types.MessageStatus `json:"status,omitempty"`
}

type JoinDirectRequest struct {
	ChatId string `json:"chatId"`
}

type JoinGroupRequest struct {
	GroupId string `json:"groupId"`
}

type CheckOnlineRequest struct {
	UserId string `json:"userId"`
}

type HelloPayload struct {
	ConnId string     `json:"connId"`
	User   types.User `json:"user"`
}

type RecoveredPayload struct {
	Chat     types.ChatRef   `json:"chat"`
	Messages []types.Message `json:"messages"`
}

type NewConversationPayload struct {
	DirectChat *types.DirectChat `json:"directChat,omitempty"`
	GroupChat  *types.GroupChat  `json:"groupChat,omitempty"`
	ChatType   types.ChatType    `json:"chatType"`
	Message    types.Message     `json:"message"`
	Sender     types.User        `json:"sender"`
}

type TypingPayload struct {
	IsTyping bool   `json:"isTyping"`
	ChatId   string `json:"chatId"`
	SenderId string `json:"senderId"`
}

type SeenPayload struct {
	MessageId int64               `json:"messageId"`
	Status    types.MessageStatus `json:"status"`
	ChatId    string              `json:"chatId"`
	ReaderId  string              `json:"readerId"`
}

type PresencePayload struct {
	UserId string `json:"userId"`
	Status string `json:"status"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

// NoErrDuplicate acknowledges a resubmitted send without doing anything.
func NoErrDuplicate(id int) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusOK,
			Code:         CodeDuplicateSubmission,
		},
	}
}

// ErrReply converts err into a reply addressed to the message with id.
func ErrReply(id int, err error) *ServerMessage {
	ge := classify(err)
	return &ServerMessage{
		Id:        id,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: ge.Status(),
			Code:         ge.Code,
			Error:        ge.Message,
		},
	}
}

func Event(event string, data any) *ServerMessage {
	return &ServerMessage{
		Event:     event,
		Timestamp: Now(),
		Data:      data,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
