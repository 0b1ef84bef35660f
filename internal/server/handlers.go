package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/stats"
	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/npezzotti/go-chatgateway/internal/typing"
	"github.com/rs/zerolog"
)

func (cs *ChatServer) sendMessageDirect(ctx context.Context, c *Client, msg *ClientMessage) (any, error) {
	var req SendDirectRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}

	// the sender is always the authenticated user of the connection
	sender := c.user.Id
	switch {
	case req.RecipientId == "":
		return nil, ErrValidation("recipientId is required")
	case req.RecipientId == sender:
		return nil, ErrValidation("cannot message yourself")
	case strings.TrimSpace(req.Content) == "":
		return nil, ErrValidation("content is required")
	case req.Token == "":
		return nil, ErrValidation("token is required")
	}

	if err := cs.authorizeDirect(ctx, sender, req.RecipientId); err != nil {
		return nil, err
	}

	if !cs.dedup.IsUnique(sender, req.Token) {
		return nil, ErrDuplicate()
	}

	chat, created, err := cs.svc.Conversations.FindOrCreateDirect(ctx, sender, req.RecipientId)
	if err != nil {
		cs.dedup.Forget(sender, req.Token)
		return nil, dependency("find or create direct chat", err)
	}

	message, err := cs.svc.Messages.Create(ctx, services.CreateMessageParams{
		ChatType:    types.ChatTypeDirect,
		ChatId:      chat.Id,
		SenderId:    sender,
		RecipientId: req.RecipientId,
		Content:     req.Content,
		Token:       req.Token,
	})
	if err != nil {
		cs.dedup.Forget(sender, req.Token)
		return nil, dependency("create message", err)
	}
	cs.stats.Incr(stats.MessagesSent)

	// fan-out is best-effort from here on
	cs.rooms.BroadcastToUser(sender, EventSendMessageDirect, message, c.id)
	cs.rooms.BroadcastToUser(req.RecipientId, EventSendMessageDirect, message, "")

	if created {
		conv := NewConversationPayload{
			DirectChat: &chat,
			ChatType:   types.ChatTypeDirect,
			Message:    message,
			Sender:     c.user,
		}
		cs.rooms.BroadcastToUser(sender, EventNewConversation, conv, "")
		cs.rooms.BroadcastToUser(req.RecipientId, EventNewConversation, conv, "")
	}

	cs.notify(logger.Ctx(ctx), message, c.user, []string{req.RecipientId})

	return message, nil
}

// authorizeDirect applies the recipient's friends-only setting and blocks in
// both directions.
func (cs *ChatServer) authorizeDirect(ctx context.Context, sender, recipient string) error {
	friendsOnly, err := cs.svc.Settings.OnlyFriendsCanMessage(ctx, recipient)
	if err != nil {
		return dependency("check recipient settings", err)
	}

	if friendsOnly {
		friends, err := cs.svc.SocialGraph.IsFriend(ctx, sender, recipient)
		if err != nil {
			return dependency("check friendship", err)
		}
		if !friends {
			return ErrForbidden("recipient only accepts messages from friends")
		}
	}

	blocked, err := cs.svc.SocialGraph.IsBlocked(ctx, recipient, sender)
	if err != nil {
		return dependency("check block", err)
	}
	if blocked {
		return ErrForbidden("recipient has blocked you")
	}

	blocked, err = cs.svc.SocialGraph.IsBlocked(ctx, sender, recipient)
	if err != nil {
		return dependency("check block", err)
	}
	if blocked {
		return ErrForbidden("you have blocked the recipient")
	}

	return nil
}

func (cs *ChatServer) sendMessageGroup(ctx context.Context, c *Client, msg *ClientMessage) (any, error) {
	var req SendGroupRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}

	sender := c.user.Id
	switch {
	case req.GroupId == "":
		return nil, ErrValidation("groupId is required")
	case strings.TrimSpace(req.Content) == "":
		return nil, ErrValidation("content is required")
	case req.Token == "":
		return nil, ErrValidation("token is required")
	}

	if err := cs.authorizeGroup(ctx, req.GroupId, sender, types.PermissionSendMessage); err != nil {
		return nil, err
	}

	if !cs.dedup.IsUnique(sender, req.Token) {
		return nil, ErrDuplicate()
	}

	message, err := cs.svc.Messages.Create(ctx, services.CreateMessageParams{
		ChatType: types.ChatTypeGroup,
		ChatId:   req.GroupId,
		SenderId: sender,
		Content:  req.Content,
		Token:    req.Token,
	})
	if err != nil {
		cs.dedup.Forget(sender, req.Token)
		return nil, dependency("create message", err)
	}
	cs.stats.Incr(stats.MessagesSent)

	cs.rooms.BroadcastToRoom(GroupRoom(req.GroupId), EventSendMessageGroup, message, c.id)

	l := logger.Ctx(ctx)
	if cs.svc.Notifier != nil {
		groupId := req.GroupId
		cs.goAsync(l, "push group message", func(ctx context.Context) error {
			members, err := cs.svc.Groups.ListMembers(ctx, groupId)
			if err != nil {
				return err
			}
			var errs []error
			for _, member := range members {
				if member == sender {
					continue
				}
				if err := cs.svc.Notifier.PushToUser(ctx, member, notificationFor(message, c.user)); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
	}
	cs.index(l, message)

	return message, nil
}

// authorizeGroup requires membership and, for plain members, that perm is
// enabled for the group. Admins are always allowed.
func (cs *ChatServer) authorizeGroup(ctx context.Context, groupId, userId string, perm types.GroupPermission) error {
	m, err := groupMembership(ctx, cs.svc.Groups, groupId, userId)
	if err != nil {
		return err
	}

	if m.IsAdmin() {
		return nil
	}

	allowed, err := cs.svc.Groups.CheckPermission(ctx, groupId, perm)
	if err != nil {
		return dependency("check permission", err)
	}
	if !allowed {
		return ErrForbidden("only admins can do this in this group")
	}
	return nil
}

// directParticipant loads a direct chat and requires userId to be one of its
// two sides.
func directParticipant(ctx context.Context, convs services.Conversations, chatId, userId string) (types.DirectChat, error) {
	chat, err := convs.GetDirect(ctx, chatId)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return types.DirectChat{}, ErrNotFound("chat")
		}
		return types.DirectChat{}, dependency("get direct chat", err)
	}
	if !chat.HasParticipant(userId) {
		return types.DirectChat{}, ErrForbidden("not a participant of this chat")
	}
	return chat, nil
}

func groupMembership(ctx context.Context, groups services.Groups, groupId, userId string) (types.Membership, error) {
	m, err := groups.CheckMembership(ctx, groupId, userId)
	if err != nil {
		if errors.Is(err, services.ErrNotMember) {
			return types.Membership{}, ErrForbidden("not a member of this group")
		}
		return types.Membership{}, dependency("check membership", err)
	}
	return m, nil
}

// authorizeChat requires userId to take part in chat, whichever kind it is.
func authorizeChat(ctx context.Context, convs services.Conversations, groups services.Groups, userId string, chat types.ChatRef) error {
	var err error
	switch chat.Type {
	case types.ChatTypeDirect:
		_, err = directParticipant(ctx, convs, chat.Id, userId)
	case types.ChatTypeGroup:
		_, err = groupMembership(ctx, groups, chat.Id, userId)
	default:
		err = ErrValidation(fmt.Sprintf("unknown chat type %q", chat.Type))
	}
	return err
}

func notificationFor(m types.Message, sender types.User) services.Notification {
	title := sender.Username
	if title == "" {
		title = sender.Id
	}
	return services.Notification{
		Title:     title,
		Body:      m.Content,
		Chat:      types.ChatRef{Type: m.ChatType, Id: m.ChatId},
		MessageId: m.Id,
		SenderId:  m.SenderId,
	}
}

// notify pushes the message to recipients and indexes it in the background.
func (cs *ChatServer) notify(l zerolog.Logger, m types.Message, sender types.User, recipients []string) {
	if cs.svc.Notifier != nil {
		cs.goAsync(l, "push message", func(ctx context.Context) error {
			var errs []error
			for _, r := range recipients {
				if err := cs.svc.Notifier.PushToUser(ctx, r, notificationFor(m, sender)); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
	}
	cs.index(l, m)
}

func (cs *ChatServer) index(l zerolog.Logger, m types.Message) {
	if cs.svc.SearchIndex == nil {
		return
	}
	cs.goAsync(l, "index message", func(ctx context.Context) error {
		return cs.svc.SearchIndex.IndexMessage(ctx, m)
	})
}

func (cs *ChatServer) typingDirect(ctx context.Context, c *Client, msg *ClientMessage) (any, error) {
	var req TypingRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.RecipientId == "" {
		return nil, ErrValidation("recipientId is required")
	}

	sender := c.user.Id
	if req.IsTyping {
		prev, replaced := cs.typing.Start(sender, typing.Target{UserId: req.RecipientId}, req.ChatId)
		if replaced && prev.Target.UserId != req.RecipientId {
			// the previous recipient would otherwise keep a stale indicator
			cs.sendTyping(prev.Target.UserId, sender, prev.ChatId, false)
		}
	} else {
		if prev, ok := cs.typing.Stop(sender); ok && prev.Target.UserId != req.RecipientId {
			cs.sendTyping(prev.Target.UserId, sender, prev.ChatId, false)
		}
	}

	cs.sendTyping(req.RecipientId, sender, req.ChatId, req.IsTyping)
	return nil, nil
}

func (cs *ChatServer) sendTyping(recipient, sender, chatId string, isTyping bool) {
	cs.rooms.BroadcastToUser(recipient, EventTypingDirect, TypingPayload{
		IsTyping: isTyping,
		ChatId:   chatId,
		SenderId: sender,
	}, "")
}

func (cs *ChatServer) typingExpired(userId string, st typing.State) {
	cs.sendTyping(st.Target.UserId, userId, st.ChatId, false)
}

func (cs *ChatServer) messageSeenDirect(ctx context.Context, c *Client, msg *ClientMessage) (any, error) {
	var req SeenRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.MessageId <= 0 {
		return nil, ErrValidation("messageId is required")
	}
	if req.Status == "" {
		req.Status = types.MessageStatusSeen
	}
	if !req.Status.Valid() || req.Status == types.MessageStatusSent {
		return nil, ErrValidation("invalid status")
	}

	updated, err := cs.svc.Messages.UpdateStatus(ctx, services.UpdateStatusParams{
		MessageId: req.MessageId,
		Status:    req.Status,
		ReaderId:  c.user.Id,
	})
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, ErrNotFound("message")
		}
		return nil, dependency("update message status", err)
	}

	receipt := SeenPayload{
		MessageId: updated.Id,
		Status:    updated.Status,
		ChatId:    updated.ChatId,
		ReaderId:  c.user.Id,
	}
	cs.rooms.BroadcastToUser(updated.SenderId, EventMessageSeenDirect, receipt, "")

	return receipt, nil
}

func (cs *ChatServer) joinDirectChatRoom(ctx context.Context, c *Client, msg *ClientMessage) (any, error) {
	var req JoinDirectRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.ChatId == "" {
		return nil, ErrValidation("chatId is required")
	}

	chat, err := directParticipant(ctx, cs.svc.Conversations, req.ChatId, c.user.Id)
	if err != nil {
		return nil, err
	}

	cs.rooms.Join(c, DirectRoom(chat.Id))
	cs.registry.LinkChat(c.user.Id, chat.Id)

	return chat, nil
}

func (cs *ChatServer) joinGroupChatRoom(ctx context.Context, c *Client, msg *ClientMessage) (any, error) {
	var req JoinGroupRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.GroupId == "" {
		return nil, ErrValidation("groupId is required")
	}

	m, err := groupMembership(ctx, cs.svc.Groups, req.GroupId, c.user.Id)
	if err != nil {
		return nil, err
	}

	cs.rooms.Join(c, GroupRoom(req.GroupId))

	return m, nil
}

func (cs *ChatServer) checkUserOnlineStatus(_ context.Context, _ *Client, msg *ClientMessage) (any, error) {
	var req CheckOnlineRequest
	if err := decode(msg, &req); err != nil {
		return nil, err
	}
	if req.UserId == "" {
		return nil, ErrValidation("userId is required")
	}

	return PresencePayload{UserId: req.UserId, Status: cs.presence.Status(req.UserId)}, nil
}

func (cs *ChatServer) clientHello(_ context.Context, c *Client, _ *ClientMessage) (any, error) {
	return Event(EventServerHello, HelloPayload{ConnId: c.id, User: c.user}), nil
}
