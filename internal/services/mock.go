package services

import (
	"context"

	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockAuth struct {
	mock.Mock
}

func (m *MockAuth) ValidateConnection(ctx context.Context, hs Handshake) error {
	args := m.Called(ctx, hs)
	return args.Error(0)
}
func (m *MockAuth) ValidateSession(ctx context.Context, hs Handshake) (Identity, error) {
	args := m.Called(ctx, hs)
	return args.Get(0).(Identity), args.Error(1)
}

type MockMessages struct {
	mock.Mock
}

func (m *MockMessages) Create(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockMessages) UpdateStatus(ctx context.Context, params UpdateStatusParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockMessages) GetNewerThan(ctx context.Context, offset int64, chat types.ChatRef, limit int) ([]types.Message, error) {
	args := m.Called(ctx, offset, chat, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockConversations struct {
	mock.Mock
}

func (m *MockConversations) FindOrCreateDirect(ctx context.Context, userA, userB string) (types.DirectChat, bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Get(0).(types.DirectChat), args.Bool(1), args.Error(2)
}
func (m *MockConversations) GetDirect(ctx context.Context, chatId string) (types.DirectChat, error) {
	args := m.Called(ctx, chatId)
	return args.Get(0).(types.DirectChat), args.Error(1)
}

type MockGroups struct {
	mock.Mock
}

func (m *MockGroups) CheckMembership(ctx context.Context, groupId, userId string) (types.Membership, error) {
	args := m.Called(ctx, groupId, userId)
	return args.Get(0).(types.Membership), args.Error(1)
}
func (m *MockGroups) CheckPermission(ctx context.Context, groupId string, perm types.GroupPermission) (bool, error) {
	args := m.Called(ctx, groupId, perm)
	return args.Bool(0), args.Error(1)
}
func (m *MockGroups) ListMembers(ctx context.Context, groupId string) ([]string, error) {
	args := m.Called(ctx, groupId)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSocialGraph struct {
	mock.Mock
}

func (m *MockSocialGraph) IsFriend(ctx context.Context, userA, userB string) (bool, error) {
	args := m.Called(ctx, userA, userB)
	return args.Bool(0), args.Error(1)
}
func (m *MockSocialGraph) IsBlocked(ctx context.Context, blocker, blocked string) (bool, error) {
	args := m.Called(ctx, blocker, blocked)
	return args.Bool(0), args.Error(1)
}

type MockSettings struct {
	mock.Mock
}

func (m *MockSettings) OnlyFriendsCanMessage(ctx context.Context, userId string) (bool, error) {
	args := m.Called(ctx, userId)
	return args.Bool(0), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) PushToUser(ctx context.Context, userId string, n Notification) error {
	args := m.Called(ctx, userId, n)
	return args.Error(0)
}

type MockSearchIndex struct {
	mock.Mock
}

func (m *MockSearchIndex) IndexMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
