package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/config"
	"satoshiflip-backend/internal/models"
)

const (
	txRetryBackoff    = 2 * time.Millisecond
	txRetryBackoffMax = 50 * time.Millisecond
)

type RedisService struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisService(cfg *config.Config, logger *zap.Logger) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisServiceWithClient(client, logger), nil
}

func NewRedisServiceWithClient(client *redis.Client, logger *zap.Logger) *RedisService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisService{
		client: client,
		logger: logger,
	}
}

func (s *RedisService) Client() *redis.Client {
	return s.client
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// Atomically runs fn as one optimistic transaction over the watched keys.
// fn stages its writes on the unit of work; nothing reaches Redis unless EXEC
// commits. A concurrent write to any watched key reruns fn from scratch
// until ctx expires.
func (s *RedisService) Atomically(ctx context.Context, fn func(u *unitOfWork) error, keys ...string) error {
	backoff := txRetryBackoff
	for attempt := 1; ; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			u := newUnitOfWork(ctx, tx)
			if err := fn(u); err != nil {
				return err
			}
			return u.commit()
		}, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		s.logger.Debug("watched keys changed, retrying",
			zap.Int("attempt", attempt),
			zap.Strings("keys", keys))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < txRetryBackoffMax {
			backoff *= 2
		}
	}
}

func (s *RedisService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyUser, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, storageError("get user", err)
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user %s: %w", userID, err)
	}
	return &user, nil
}

func (s *RedisService) GetGame(ctx context.Context, gameID string) (*models.Game, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyGame, gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	if err != nil {
		return nil, storageError("get game", err)
	}

	var game models.Game
	if err := json.Unmarshal(data, &game); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game %s: %w", gameID, err)
	}
	return &game, nil
}

// BulkGetGames returns the games that still exist, preserving the order of
// gameIDs. Missing or corrupt records are skipped.
func (s *RedisService) BulkGetGames(ctx context.Context, gameIDs []string) ([]*models.Game, error) {
	if len(gameIDs) == 0 {
		return []*models.Game{}, nil
	}

	keys := make([]string, len(gameIDs))
	for i, id := range gameIDs {
		keys[i] = fmt.Sprintf(KeyGame, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageError("get games", err)
	}

	games := make([]*models.Game, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var game models.Game
		if err := json.Unmarshal([]byte(raw), &game); err != nil {
			s.logger.Warn("skipping corrupt game record", zap.String("game_id", gameIDs[i]), zap.Error(err))
			continue
		}
		games = append(games, &game)
	}
	return games, nil
}

// BulkGetUsers maps user id to user for every id that resolves.
func (s *RedisService) BulkGetUsers(ctx context.Context, userIDs []string) (map[string]*models.User, error) {
	users := make(map[string]*models.User, len(userIDs))
	if len(userIDs) == 0 {
		return users, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = fmt.Sprintf(KeyUser, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageError("get users", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var user models.User
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			continue
		}
		users[user.ID] = &user
	}
	return users, nil
}

func (s *RedisService) GetTransactions(ctx context.Context, txIDs []string) ([]*models.Transaction, error) {
	if len(txIDs) == 0 {
		return []*models.Transaction{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(txIDs))
	for i, id := range txIDs {
		cmds[i] = pipe.Get(ctx, fmt.Sprintf(KeyTransaction, id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, storageError("get transactions", err)
	}

	transactions := make([]*models.Transaction, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var tx models.Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			continue
		}
		transactions = append(transactions, &tx)
	}
	return transactions, nil
}

// GetUserTransactions pages through a user's full history, newest first.
// The index is never trimmed.
func (s *RedisService) GetUserTransactions(ctx context.Context, userID string, offset, limit int64) ([]*models.Transaction, error) {
	if limit <= 0 || limit > MaxUserTransactions {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	txIDs, err := s.client.ZRevRange(ctx, fmt.Sprintf(KeyUserTransactions, userID), offset, offset+limit-1).Result()
	if err != nil {
		return nil, storageError("get transaction ids", err)
	}
	return s.GetTransactions(ctx, txIDs)
}

func (s *RedisService) GetGameTransactions(ctx context.Context, gameID string) ([]*models.Transaction, error) {
	txIDs, err := s.client.SMembers(ctx, fmt.Sprintf(KeyGameTransactions, gameID)).Result()
	if err != nil {
		return nil, storageError("get game transaction ids", err)
	}
	return s.GetTransactions(ctx, txIDs)
}

func (s *RedisService) CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, userID, action)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return false, storageError("check rate limit", err)
	}

	return incr.Val() <= int64(limit), nil
}

// unitOfWork caches every record read inside one WATCH transaction and
// collects the writes that commit applies inside MULTI/EXEC.
type unitOfWork struct {
	ctx context.Context
	tx  *redis.Tx
	now time.Time

	users      map[string]*models.User
	games      map[string]*models.Game
	dirtyUsers []string
	dirtyGames []string

	transactions []*models.Transaction
	ops          []func(redis.Pipeliner)
}

func newUnitOfWork(ctx context.Context, tx *redis.Tx) *unitOfWork {
	return &unitOfWork{
		ctx:   ctx,
		tx:    tx,
		now:   time.Now().UTC(),
		users: make(map[string]*models.User),
		games: make(map[string]*models.Game),
	}
}

func (u *unitOfWork) user(userID string) (*models.User, error) {
	if user, ok := u.users[userID]; ok {
		if user == nil {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return user, nil
	}

	data, err := u.tx.Get(u.ctx, fmt.Sprintf(KeyUser, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		u.users[userID] = nil
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user %s: %w", userID, err)
	}
	u.users[userID] = &user
	return &user, nil
}

func (u *unitOfWork) putUser(user *models.User) {
	user.UpdatedAt = u.now
	if !slices.Contains(u.dirtyUsers, user.ID) {
		u.dirtyUsers = append(u.dirtyUsers, user.ID)
	}
	u.users[user.ID] = user
}

func (u *unitOfWork) game(gameID string) (*models.Game, error) {
	if game, ok := u.games[gameID]; ok {
		if game == nil {
			return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
		}
		return game, nil
	}

	data, err := u.tx.Get(u.ctx, fmt.Sprintf(KeyGame, gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		u.games[gameID] = nil
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var game models.Game
	if err := json.Unmarshal(data, &game); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game %s: %w", gameID, err)
	}
	u.games[gameID] = &game
	return &game, nil
}

func (u *unitOfWork) putGame(game *models.Game) {
	if !slices.Contains(u.dirtyGames, game.ID) {
		u.dirtyGames = append(u.dirtyGames, game.ID)
	}
	u.games[game.ID] = game
}

func (u *unitOfWork) appendTransaction(tx *models.Transaction) {
	u.transactions = append(u.transactions, tx)
}

func (u *unitOfWork) queue(op func(redis.Pipeliner)) {
	u.ops = append(u.ops, op)
}

func (u *unitOfWork) commit() error {
	type record struct {
		key  string
		data []byte
		ttl  time.Duration
	}

	records := make([]record, 0, len(u.dirtyUsers)+len(u.dirtyGames)+len(u.transactions))
	for _, id := range u.dirtyUsers {
		data, err := json.Marshal(u.users[id])
		if err != nil {
			return fmt.Errorf("failed to marshal user %s: %w", id, err)
		}
		records = append(records, record{key: fmt.Sprintf(KeyUser, id), data: data})
	}
	for _, id := range u.dirtyGames {
		game := u.games[id]
		data, err := json.Marshal(game)
		if err != nil {
			return fmt.Errorf("failed to marshal game %s: %w", id, err)
		}
		var ttl time.Duration
		if game.Status.IsTerminal() {
			ttl = TTLTerminalGame
		}
		records = append(records, record{key: fmt.Sprintf(KeyGame, id), data: data, ttl: ttl})
	}
	for _, tx := range u.transactions {
		data, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("failed to marshal transaction %s: %w", tx.ID, err)
		}
		records = append(records, record{key: fmt.Sprintf(KeyTransaction, tx.ID), data: data})
	}

	if len(records) == 0 && len(u.ops) == 0 {
		return nil
	}

	_, err := u.tx.TxPipelined(u.ctx, func(pipe redis.Pipeliner) error {
		for _, r := range records {
			pipe.Set(u.ctx, r.key, r.data, r.ttl)
		}
		for _, tx := range u.transactions {
			userTxKey := fmt.Sprintf(KeyUserTransactions, tx.UserID)
			pipe.ZAdd(u.ctx, userTxKey, redis.Z{
				Score:  float64(tx.CreatedAt.UnixMicro()),
				Member: tx.ID,
			})
			if tx.GameID != "" {
				gameTxKey := fmt.Sprintf(KeyGameTransactions, tx.GameID)
				pipe.SAdd(u.ctx, gameTxKey, tx.ID)
			}
		}
		for _, op := range u.ops {
			op(pipe)
		}
		return nil
	})
	return err
}
