package services_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"satoshiflip-backend/internal/models"
	"satoshiflip-backend/internal/services"
)

func TestGameStoreCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)

	_, err := env.store.Create(ctx, "alice", 99, models.Heads)
	require.ErrorIs(t, err, services.ErrInvalidWager)

	_, err = env.store.Create(ctx, "alice", 100_000_001, models.Heads)
	require.ErrorIs(t, err, services.ErrInvalidWager)

	_, err = env.store.Create(ctx, "alice", 1000, models.CoinSide("edge"))
	require.ErrorIs(t, err, services.ErrInvalidWager)

	_, err = env.store.Create(ctx, "ghost", 1000, models.Heads)
	require.ErrorIs(t, err, services.ErrNotFound)

	game, err := env.store.Create(ctx, "alice", 100_000_000, models.Tails)
	require.NoError(t, err)
	require.Equal(t, models.GameStatusPending, game.Status)
	require.Empty(t, game.JoinerID)
	require.Empty(t, game.WinnerID)
	require.Empty(t, game.FlipResult)

	_, err = env.store.Create(ctx, "alice", 1000, models.Heads)
	require.ErrorIs(t, err, services.ErrAlreadyHasActiveGame)
}

func TestGameStoreListPendingNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("user-%d", i)
		env.user(t, id, 0)
		g, err := env.store.Create(ctx, id, 1000, models.Heads)
		require.NoError(t, err)
		ids = append(ids, g.ID)
		time.Sleep(2 * time.Millisecond)
	}

	games, err := env.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, games, 3)
	require.Equal(t, ids[2], games[0].ID)
	require.Equal(t, ids[0], games[2].ID)
	require.Equal(t, "User user", games[0].CreatorName)
}

func TestGameStoreListPendingSkipsOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)
	env.user(t, "bob", 0)

	_, err := env.store.Create(ctx, "alice", 1000, models.Heads)
	require.NoError(t, err)
	kept, err := env.store.Create(ctx, "bob", 1000, models.Heads)
	require.NoError(t, err)

	env.mr.Del(fmt.Sprintf(services.KeyUser, "alice"))

	games, err := env.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, games, 1)
	require.Equal(t, kept.ID, games[0].ID)
}

func TestGameStoreCapacity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("user-%d", i)
		env.user(t, id, 0)
		_, err := env.store.Create(ctx, id, 1000, models.Heads)
		require.NoError(t, err, "game %d", i+1)
	}

	env.user(t, "user-10", 0)
	_, err := env.store.Create(ctx, "user-10", 1000, models.Heads)
	require.ErrorIs(t, err, services.ErrCapacityExceeded)
}

func TestGameStoreTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)

	game, err := env.store.Create(ctx, "alice", 1000, models.Heads)
	require.NoError(t, err)

	_, err = env.store.MarkCompleted(ctx, game.ID, "alice", models.Heads)
	require.ErrorIs(t, err, services.ErrInvalidTransition)

	_, err = env.store.MarkActive(ctx, game.ID, "alice")
	require.ErrorIs(t, err, services.ErrSelfJoin)

	active, err := env.store.MarkActive(ctx, game.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, models.GameStatusActive, active.Status)
	require.Equal(t, "bob", active.JoinerID)

	_, err = env.store.MarkActive(ctx, game.ID, "carol")
	require.ErrorIs(t, err, services.ErrInvalidTransition)

	_, err = env.store.Cancel(ctx, game.ID, "alice")
	require.ErrorIs(t, err, services.ErrInvalidTransition)

	_, err = env.store.MarkCompleted(ctx, game.ID, "carol", models.Heads)
	require.Error(t, err)

	done, err := env.store.MarkCompleted(ctx, game.ID, "bob", models.Tails)
	require.NoError(t, err)
	require.Equal(t, models.GameStatusCompleted, done.Status)
	require.Equal(t, "bob", done.WinnerID)
	require.Equal(t, models.Tails, done.FlipResult)
	require.NotNil(t, done.CompletedAt)

	_, err = env.store.MarkCompleted(ctx, game.ID, "bob", models.Tails)
	require.ErrorIs(t, err, services.ErrInvalidTransition)

	// the creator's slot is free again
	_, err = env.store.Create(ctx, "alice", 1000, models.Heads)
	require.NoError(t, err)
}

func TestGameStoreCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)

	game, err := env.store.Create(ctx, "alice", 1000, models.Heads)
	require.NoError(t, err)

	_, err = env.store.Cancel(ctx, game.ID, "mallory")
	require.ErrorIs(t, err, services.ErrForbidden)

	_, err = env.store.Cancel(ctx, "missing", "alice")
	require.ErrorIs(t, err, services.ErrNotFound)

	cancelled, err := env.store.Cancel(ctx, game.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.GameStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	require.Empty(t, cancelled.WinnerID)

	_, err = env.store.Cancel(ctx, game.ID, "alice")
	require.ErrorIs(t, err, services.ErrInvalidTransition)

	games, err := env.store.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, games)
}

func TestGameStoreDeleteOnlyTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.user(t, "alice", 0)

	game, err := env.store.Create(ctx, "alice", 1000, models.Heads)
	require.NoError(t, err)

	err = env.store.Delete(ctx, game.ID)
	require.ErrorIs(t, err, services.ErrInvalidTransition)

	_, err = env.store.Cancel(ctx, game.ID, "alice")
	require.NoError(t, err)

	ids, err := env.store.TerminalGameIDsBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{game.ID}, ids)

	require.NoError(t, env.store.Delete(ctx, game.ID))

	_, err = env.store.Get(ctx, game.ID)
	require.ErrorIs(t, err, services.ErrNotFound)

	ids, err = env.store.TerminalGameIDsBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestGameStoreReclaimsOrphanedPendingGames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var orphanID string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("u%d", i)
		env.user(t, id, 0)
		g, err := env.store.Create(ctx, id, 1000, models.Heads)
		require.NoError(t, err)
		if i == 0 {
			orphanID = g.ID
		}
	}

	env.mr.Del(fmt.Sprintf(services.KeyUser, "u0"))

	games, err := env.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, games, 9)

	env.user(t, "late", 0)
	_, err = env.store.Create(ctx, "late", 1000, models.Heads)
	require.NoError(t, err)

	orphan, err := env.store.Get(ctx, orphanID)
	require.NoError(t, err)
	require.Equal(t, models.GameStatusCancelled, orphan.Status)

	games, err = env.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, games, 10)

	// the cap still holds once nothing is left to reclaim
	env.user(t, "later", 0)
	_, err = env.store.Create(ctx, "later", 1000, models.Heads)
	require.ErrorIs(t, err, services.ErrCapacityExceeded)
}

func TestGameStoreDropsDanglingPendingEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("u%d", i)
		env.user(t, id, 0)
		_, err := env.store.Create(ctx, id, 1000, models.Heads)
		require.NoError(t, err)
	}

	ids, err := env.redis.Client().ZRange(ctx, services.KeyPendingGames, 0, 0).Result()
	require.NoError(t, err)
	env.mr.Del(fmt.Sprintf(services.KeyGame, ids[0]))

	env.user(t, "late", 0)
	_, err = env.store.Create(ctx, "late", 1000, models.Heads)
	require.NoError(t, err)

	count, err := env.redis.Client().ZCard(ctx, services.KeyPendingGames).Result()
	require.NoError(t, err)
	require.Equal(t, int64(10), count)
}
