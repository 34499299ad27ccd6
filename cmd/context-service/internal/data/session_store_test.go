package data

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"agentcontext/cmd/context-service/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisKeyLayout(t *testing.T) {
	store := NewRedisSessionStore(nil, SessionStoreOptions{AgentName: "karpo"}, log.DefaultLogger)

	assert.Equal(t, "ctx:karpo:session:42", store.sessionKey(42))
	assert.Equal(t, "ctx:karpo:tool:42:call-1", store.toolKey(42, "call-1"))
	assert.Equal(t, "ctx:karpo:errors:42", store.errorsKey(42))
	assert.Equal(t, "ctx:karpo:summary_backup:42", store.summaryBackupKey(42))
}

func TestRedisStoreDefaults(t *testing.T) {
	store := NewRedisSessionStore(nil, SessionStoreOptions{}, log.DefaultLogger)
	assert.Equal(t, 7*24*time.Hour, store.ttl)
	assert.Equal(t, 50, store.errorCap)
	assert.Equal(t, 20, store.summaryBakCap)
}

func TestMemoryStore_SessionRoundTrip(t *testing.T) {
	store := NewMemorySessionStore(0, 0)
	ctx := context.Background()

	_, err := store.Get(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	session := domain.NewSessionState(1, "u1")
	session.AddMessage(domain.RoleUser, "hi")
	session.Summary = &domain.ConversationSummary{
		CoversUntilTurn: 1,
		UserIntent:      "greet",
		KeyEntities:     map[string]string{"name": "Ann"},
	}
	require.NoError(t, store.Save(ctx, session))

	loaded, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, session.ThreadID, loaded.ThreadID)
	assert.Equal(t, session.UserID, loaded.UserID)
	assert.Equal(t, session.TurnCount, loaded.TurnCount)
	require.Equal(t, 1, len(loaded.Messages))
	assert.Equal(t, "hi", loaded.Messages[0].Content)
	require.NotNil(t, loaded.Summary)
	assert.Equal(t, "greet", loaded.Summary.UserIntent)

	// save 补齐 updated_at
	assert.False(t, loaded.UpdatedAt.IsZero())

	// 读出的是副本，修改不影响存储
	loaded.Messages[0].Content = "mutated"
	again, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Messages[0].Content)
}

func TestMemoryStore_DeleteScope(t *testing.T) {
	store := NewMemorySessionStore(0, 0)
	ctx := context.Background()

	session := domain.NewSessionState(5, "u1")
	require.NoError(t, store.Save(ctx, session))
	require.NoError(t, store.AppendError(ctx, 5, &domain.ErrorEntry{Step: 4, ErrorType: "compress", Message: "x"}))

	// delete 只删主记录，辅助集合保留
	require.NoError(t, store.Delete(ctx, 5))
	_, err := store.Get(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	entries, err := store.GetErrors(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, len(entries))

	// 辅助集合需显式删除
	require.NoError(t, store.DeleteAuxiliary(ctx, 5))
	entries, err = store.GetErrors(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_ToolResult(t *testing.T) {
	store := NewMemorySessionStore(0, 0)
	ctx := context.Background()

	_, err := store.GetToolResult(ctx, 1, "missing")
	assert.ErrorIs(t, err, domain.ErrToolResultNotFound)

	result := &domain.ToolResult{
		CallID:    "call-1",
		ToolName:  "search",
		Payload:   json.RawMessage(`{"hits":3}`),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveToolResult(ctx, 1, "call-1", result))

	loaded, err := store.GetToolResult(ctx, 1, "call-1")
	require.NoError(t, err)
	assert.Equal(t, "search", loaded.ToolName)
	assert.JSONEq(t, `{"hits":3}`, string(loaded.Payload))
}

func TestMemoryStore_ErrorWindowCap(t *testing.T) {
	store := NewMemorySessionStore(3, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &domain.ErrorEntry{
			Step:      2,
			ErrorType: "tool_call",
			Message:   fmt.Sprintf("error %d", i),
			CreatedAt: time.Now(),
		}
		require.NoError(t, store.AppendError(ctx, 1, entry))
	}

	// 超出容量时 FIFO 淘汰最旧条目，最旧在前
	entries, err := store.GetErrors(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 3, len(entries))
	assert.Equal(t, "error 2", entries[0].Message)
	assert.Equal(t, "error 4", entries[2].Message)
}

func TestMemoryStore_SummaryBackupWindowCap(t *testing.T) {
	store := NewMemorySessionStore(0, 2)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		backup := &domain.SummaryBackup{
			Summary:   &domain.ConversationSummary{UserIntent: fmt.Sprintf("intent %d", i)},
			CreatedAt: time.Now(),
		}
		require.NoError(t, store.AppendSummaryBackup(ctx, 1, backup))
	}

	backups, err := store.GetSummaryBackups(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, len(backups))
	assert.Equal(t, "intent 2", backups[0].Summary.UserIntent)
	assert.Equal(t, "intent 3", backups[1].Summary.UserIntent)
}

func TestMemoryStore_ThreadIsolation(t *testing.T) {
	store := NewMemorySessionStore(0, 0)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.NewSessionState(1, "a")))
	require.NoError(t, store.Save(ctx, domain.NewSessionState(2, "b")))
	require.NoError(t, store.AppendError(ctx, 1, &domain.ErrorEntry{Message: "only thread 1"}))

	entries, err := store.GetErrors(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, entries)

	s2, err := store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "b", s2.UserID)
}
