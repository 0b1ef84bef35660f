package server

import (
	"context"

	"github.com/npezzotti/go-chatgateway/internal/registry"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/types"
)

const DefaultRecoveryLimit = 100

// RecoveryService replays the messages a reconnecting client missed. Messages
// go to the reconnecting connection only.
type RecoveryService struct {
	messages      services.Messages
	conversations services.Conversations
	groups        services.Groups
	limit         int
}

func NewRecoveryService(messages services.Messages, conversations services.Conversations, groups services.Groups, limit int) *RecoveryService {
	if limit <= 0 {
		limit = DefaultRecoveryLimit
	}
	return &RecoveryService{
		messages:      messages,
		conversations: conversations,
		groups:        groups,
		limit:         limit,
	}
}

// Recover fetches every message of rec.Chat with id greater than rec.Offset,
// oldest first and at most the configured limit, and sends them to c in one
// event. It returns the number of messages delivered.
//
// The chat id comes from the client, so the user of c must be a participant
// of a direct chat or a member of a group before anything is read.
func (rs *RecoveryService) Recover(ctx context.Context, c registry.Conn, rec services.Recovery) (int, error) {
	if err := authorizeChat(ctx, rs.conversations, rs.groups, c.UserID(), rec.Chat); err != nil {
		return 0, err
	}

	msgs, err := rs.messages.GetNewerThan(ctx, rec.Offset, rec.Chat, rs.limit)
	if err != nil {
		return 0, dependency("recover messages", err)
	}

	// never replay anything the client already has
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Id > rec.Offset {
			out = append(out, m)
		}
	}
	if len(out) > rs.limit {
		out = out[:rs.limit]
	}

	c.Send(EventRecoveredConnection, RecoveredPayload{Chat: rec.Chat, Messages: out})
	return len(out), nil
}
