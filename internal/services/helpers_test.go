package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"satoshiflip-backend/internal/models"
	"satoshiflip-backend/internal/services"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []*models.GameEvent
}

func (b *recordingBroadcaster) BroadcastGameEvent(ctx context.Context, event *models.GameEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBroadcaster) types() []models.GameEventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.GameEventType, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	mr     *miniredis.Miniredis
	redis  *services.RedisService
	ledger *services.Ledger
	store  *services.GameStore
	engine *services.SettlementEngine
	games  *services.GameService
	events *recordingBroadcaster

	flip models.CoinSide
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	env := &testEnv{
		mr:     mr,
		events: &recordingBroadcaster{},
		flip:   models.Heads,
	}

	env.redis = services.NewRedisServiceWithClient(client, logger)
	env.ledger = services.NewLedger(env.redis, 0, logger)
	env.store = services.NewGameStore(env.redis, 10, logger)
	env.engine = services.NewSettlementEngine(env.redis, env.ledger, env.store,
		services.FlipperFunc(func() (models.CoinSide, error) { return env.flip, nil }), logger)
	env.games = services.NewGameService(env.redis, env.ledger, env.store, env.engine,
		env.events, 5*time.Second, logger)
	return env
}

// user creates a user holding balance satoshis.
func (e *testEnv) user(t *testing.T, id string, balance int64) {
	t.Helper()
	ctx := context.Background()

	_, err := e.ledger.EnsureUser(ctx, id, "")
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.ledger.Credit(ctx, id, balance, models.TransactionKindDeposit)
		require.NoError(t, err)
	}
}

func (e *testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}
