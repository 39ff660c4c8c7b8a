package user

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/zllovesuki/subledger/db/dbtest"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	t.Cleanup(func() { rdb.Close() })

	m, err := NewManager(zaptest.NewLogger(t), dbtest.New(t), rdb)
	require.NoError(t, err)
	return m, mr
}

func TestSetHasUsedTrial(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.db.Create(&User{ID: "user-1", Email: "a@example.com"}).Error)

	u, err := m.GetByID(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, u.HasUsedTrial)

	require.NoError(t, m.SetHasUsedTrial(ctx, "user-1"))
	require.NoError(t, m.SetHasUsedTrial(ctx, "user-1"))

	u, err = m.GetByID(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, u.HasUsedTrial)
	require.Equal(t, "a@example.com", u.Email)

	// users not yet mirrored locally are created with the flag
	require.NoError(t, m.SetHasUsedTrial(ctx, "user-2"))
	u, err = m.GetByID(ctx, "user-2")
	require.NoError(t, err)
	require.True(t, u.HasUsedTrial)

	u, err = m.GetByID(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestInvalidateSessions(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	before := time.Now().Unix()
	require.NoError(t, m.InvalidateSessions(ctx, "user-1"))
	require.True(t, mr.Exists(sessionRevokedPrefix+"user-1"))
	require.False(t, mr.Exists(sessionRevokedPrefix+"user-2"))

	val, err := mr.Get(sessionRevokedPrefix + "user-1")
	require.NoError(t, err)
	revokedAt, err := strconv.ParseInt(val, 10, 64)
	require.NoError(t, err)
	require.GreaterOrEqual(t, revokedAt, before)
	require.Equal(t, time.Hour*24*30, mr.TTL(sessionRevokedPrefix+"user-1"))
}
