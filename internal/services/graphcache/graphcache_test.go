package graphcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type memStore struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	failGet bool
	failSet bool
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (s *memStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return "", errors.New("connection refused")
	}
	v, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet {
		return errors.New("connection refused")
	}
	s.values[key] = value
	s.ttls[key] = ttl
	return nil
}

func TestCache_IsFriend(t *testing.T) {
	graph := &services.MockSocialGraph{}
	defer graph.AssertExpectations(t)
	graph.On("IsFriend", mock.Anything, "alice", "bob").Return(true, nil).Once()

	store := newMemStore()
	c := New(graph, &services.MockSettings{}, store, "", 0, testutil.TestLogger(t))

	ok, err := c.IsFriend(context.Background(), "bob", "alice")
	assert.NoError(t, err)
	assert.True(t, ok)

	// served from the cache in either order
	ok, err = c.IsFriend(context.Background(), "alice", "bob")
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "1", store.values["chat:graph:friend:alice:bob"])
	assert.Equal(t, DefaultTTL, store.ttls["chat:graph:friend:alice:bob"])
}

func TestCache_IsBlockedDirectional(t *testing.T) {
	graph := &services.MockSocialGraph{}
	defer graph.AssertExpectations(t)
	graph.On("IsBlocked", mock.Anything, "alice", "bob").Return(true, nil).Once()
	graph.On("IsBlocked", mock.Anything, "bob", "alice").Return(false, nil).Once()

	c := New(graph, &services.MockSettings{}, newMemStore(), "p", time.Minute, testutil.TestLogger(t))

	for i := 0; i < 2; i++ {
		blocked, err := c.IsBlocked(context.Background(), "alice", "bob")
		assert.NoError(t, err)
		assert.True(t, blocked)

		blocked, err = c.IsBlocked(context.Background(), "bob", "alice")
		assert.NoError(t, err)
		assert.False(t, blocked)
	}
}

func TestCache_StoreFailures(t *testing.T) {
	tcases := []struct {
		name    string
		failGet bool
		failSet bool
	}{
		{name: "read fails", failGet: true},
		{name: "write fails", failSet: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			settings := &services.MockSettings{}
			defer settings.AssertExpectations(t)
			settings.On("OnlyFriendsCanMessage", mock.Anything, "bob").Return(true, nil).Twice()

			store := newMemStore()
			store.failGet = tc.failGet
			store.failSet = tc.failSet

			c := New(&services.MockSocialGraph{}, settings, store, "", 0, testutil.TestLogger(t))
			for i := 0; i < 2; i++ {
				v, err := c.OnlyFriendsCanMessage(context.Background(), "bob")
				assert.NoError(t, err)
				assert.True(t, v)
			}
		})
	}
}

func TestCache_LoadErrorNotCached(t *testing.T) {
	graph := &services.MockSocialGraph{}
	defer graph.AssertExpectations(t)
	graph.On("IsFriend", mock.Anything, "a", "b").Return(false, errors.New("timeout")).Once()
	graph.On("IsFriend", mock.Anything, "a", "b").Return(false, nil).Once()

	store := newMemStore()
	c := New(graph, &services.MockSettings{}, store, "", 0, testutil.TestLogger(t))

	_, err := c.IsFriend(context.Background(), "a", "b")
	assert.Error(t, err)
	assert.Empty(t, store.values)

	v, err := c.IsFriend(context.Background(), "a", "b")
	assert.NoError(t, err)
	assert.False(t, v)
	assert.Equal(t, "0", store.values["chat:graph:friend:a:b"])
}
