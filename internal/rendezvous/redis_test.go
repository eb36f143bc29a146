package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bit2swaz/meshsync/internal/apperr"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Minute, DefaultCodeLength, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestRedisOfferAndOneShotAnswer(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestRedis(t)

	code, err := store.Put(ctx, KindOffer, "offer-payload")
	require.NoError(t, err)
	assert.Len(t, code, DefaultCodeLength)

	for i := 0; i < 2; i++ {
		payload, found, err := store.Get(ctx, code, KindOffer)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "offer-payload", payload)
	}

	require.NoError(t, store.PutFor(ctx, code, KindAnswer, "answer-payload"))

	payload, found, err := store.Get(ctx, code, KindAnswer)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "answer-payload", payload)

	_, found, err = store.Get(ctx, code, KindAnswer)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	store, s := setupTestRedis(t)

	code, err := store.Put(ctx, KindOffer, "offer-payload")
	require.NoError(t, err)

	s.FastForward(2 * time.Minute)

	_, found, err := store.Get(ctx, code, KindOffer)
	require.NoError(t, err)
	assert.False(t, found)

	err = store.PutFor(ctx, code, KindAnswer, "late answer")
	assert.True(t, apperr.IsRendezvousMiss(err))
}

func TestRedisLowercaseLookup(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestRedis(t)

	code, err := store.Put(ctx, KindOffer, "offer-payload")
	require.NoError(t, err)

	_, found, err := store.Get(ctx, "  "+code+"  ", KindOffer)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRedisBackendDown(t *testing.T) {
	ctx := context.Background()
	store, s := setupTestRedis(t)
	s.Close()

	_, _, err := store.Get(ctx, "ABCD", KindOffer)
	assert.Error(t, err)
}
