package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_IsUnique(t *testing.T) {
	g := New(8)

	assert.True(t, g.IsUnique("u1", "abc-123"), "expected first sight to be unique")
	assert.False(t, g.IsUnique("u1", "abc-123"), "expected repeat to be rejected")
	assert.False(t, g.IsUnique("u1", "abc-123"), "expected repeat to stay rejected")
	assert.True(t, g.IsUnique("u2", "abc-123"), "expected tokens to be scoped per user")
	assert.True(t, g.IsUnique("u1", "def-456"))
	assert.Equal(t, 2, g.Clear("u1"))
}

func TestGuard_Clear(t *testing.T) {
	g := New(8)

	assert.True(t, g.IsUnique("u1", "abc-123"))
	assert.True(t, g.IsUnique("u2", "abc-123"))

	assert.Equal(t, 1, g.Clear("u1"))
	assert.Equal(t, 0, g.Clear("u1"), "expected a second clear to find nothing")
	assert.True(t, g.IsUnique("u1", "abc-123"), "expected token to be accepted again after clear")
	assert.False(t, g.IsUnique("u1", "abc-123"))
	assert.False(t, g.IsUnique("u2", "abc-123"), "expected other users to be unaffected by clear")
}

func TestGuard_Capacity(t *testing.T) {
	g := New(2)

	assert.True(t, g.IsUnique("u1", "t1"))
	assert.True(t, g.IsUnique("u1", "t2"))
	assert.True(t, g.IsUnique("u1", "t3"))

	assert.False(t, g.IsUnique("u1", "t3"))
	assert.True(t, g.IsUnique("u1", "t1"), "expected evicted oldest token to be accepted again")
	assert.Equal(t, 2, g.Clear("u1"), "expected the set to stay bounded")
}

func TestGuard_DefaultCapacity(t *testing.T) {
	g := New(0)
	assert.Equal(t, DefaultTokensPerUser, g.capacity)
}

func TestGuard_ConcurrentExactlyOnce(t *testing.T) {
	g := New(64)
	const attempts = 100

	for i := 0; i < 5; i++ {
		token := fmt.Sprintf("tok-%d", i)
		var accepted atomic.Int32
		var wg sync.WaitGroup
		for j := 0; j < attempts; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if g.IsUnique("u1", token) {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, accepted.Load(), "expected exactly one acceptance for %s", token)
	}
}

func TestGuard_Forget(t *testing.T) {
	g := New(8)

	assert.True(t, g.IsUnique("u1", "t1"))
	g.Forget("u1", "t1")
	assert.True(t, g.IsUnique("u1", "t1"), "expected forgotten token to be accepted again")
	assert.False(t, g.IsUnique("u1", "t1"))

	// forgetting for an unknown user is a no-op
	g.Forget("u2", "t1")
	assert.Equal(t, 0, g.Clear("u2"))
}
