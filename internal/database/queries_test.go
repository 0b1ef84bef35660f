package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_orderedPair(t *testing.T) {
	tcases := []struct {
		name   string
		a, b   string
		expect string
	}{
		{"already ordered", "alice", "bob", "alice:bob"},
		{"reversed", "bob", "alice", "alice:bob"},
		{"same user", "alice", "alice", "alice:alice"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, directChatId(tc.a, tc.b))
		})
	}
}

func Test_notFound(t *testing.T) {
	assert.ErrorIs(t, notFound(sql.ErrNoRows), services.ErrNotFound)
	other := fmt.Errorf("boom")
	assert.Equal(t, other, notFound(other))
}

// newTestRepository connects to the database named by CHAT_TEST_DSN. Tests that
// need it are skipped when it is not set.
func newTestRepository(t *testing.T) *PgChatRepository {
	t.Helper()
	dsn := os.Getenv("CHAT_TEST_DSN")
	if dsn == "" {
		t.Skip("CHAT_TEST_DSN not set")
	}

	db, err := NewPgChatRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	_, err = db.conn.Exec("TRUNCATE messages, direct_chats RESTART IDENTITY")
	require.NoError(t, err)
	return db
}

func TestPgChatRepository_FindOrCreateDirect(t *testing.T) {
	db := newTestRepository(t)
	ctx := context.Background()

	dc, created, err := db.FindOrCreateDirect(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, dc.HasParticipant("alice"))
	assert.True(t, dc.HasParticipant("bob"))

	again, created, err := db.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, dc.Id, again.Id)

	got, err := db.GetDirect(ctx, dc.Id)
	require.NoError(t, err)
	assert.Equal(t, dc.Id, got.Id)

	_, err = db.GetDirect(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestPgChatRepository_FindOrCreateDirectConcurrent(t *testing.T) {
	db := newTestRepository(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 0 {
				a, b = b, a
			}
			_, c, err := db.FindOrCreateDirect(context.Background(), a, b)
			assert.NoError(t, err)
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestPgChatRepository_Messages(t *testing.T) {
	db := newTestRepository(t)
	ctx := context.Background()

	dc, _, err := db.FindOrCreateDirect(ctx, "alice", "bob")
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, err := db.Create(ctx, services.CreateMessageParams{
			ChatType:    types.ChatTypeDirect,
			ChatId:      dc.Id,
			SenderId:    "alice",
			RecipientId: "bob",
			Content:     fmt.Sprintf("m%d", i),
			Token:       fmt.Sprintf("t%d", i),
		})
		require.NoError(t, err)
		assert.Equal(t, types.MessageStatusSent, msg.Status)
		ids = append(ids, msg.Id)
	}

	ref := types.ChatRef{Type: types.ChatTypeDirect, Id: dc.Id}

	msgs, err := db.GetNewerThan(ctx, ids[1], ref, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, ids[i+2], m.Id)
	}

	msgs, err = db.GetNewerThan(ctx, 0, ref, 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = db.GetNewerThan(ctx, ids[4], ref, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	seen, err := db.UpdateStatus(ctx, services.UpdateStatusParams{
		MessageId: ids[0],
		Status:    types.MessageStatusSeen,
		ReaderId:  "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, types.MessageStatusSeen, seen.Status)
	assert.Equal(t, "alice", seen.SenderId)

	_, err = db.UpdateStatus(ctx, services.UpdateStatusParams{
		MessageId: ids[1],
		Status:    types.MessageStatusSeen,
		ReaderId:  "mallory",
	})
	assert.ErrorIs(t, err, services.ErrNotFound)
}
