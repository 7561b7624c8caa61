package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/models"
)

// GameStore owns game records and enforces the lifecycle
//
//	pending --join--> active --settle--> completed
//	pending --cancel--> cancelled
//
// Each standalone method is its own unit of work; the stage* variants let
// the game service and settlement engine fold a transition into a larger one.
type GameStore struct {
	redis      *RedisService
	logger     *zap.Logger
	pendingCap int
}

func NewGameStore(redisService *RedisService, pendingCap int, logger *zap.Logger) *GameStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GameStore{
		redis:      redisService,
		logger:     logger,
		pendingCap: pendingCap,
	}
}

func gameKey(gameID string) string {
	return fmt.Sprintf(KeyGame, gameID)
}

func openGameKey(userID string) string {
	return fmt.Sprintf(KeyUserOpenGame, userID)
}

// createWatchKeys covers everything stageCreate reads: the creator's open
// game slot and the system-wide pending index used for the capacity check.
func (s *GameStore) createWatchKeys(creatorID string) []string {
	return []string{userKey(creatorID), openGameKey(creatorID), KeyPendingGames}
}

func (s *GameStore) Get(ctx context.Context, gameID string) (*models.Game, error) {
	return s.redis.GetGame(ctx, gameID)
}

// Create inserts a pending game. Balances are not touched.
func (s *GameStore) Create(ctx context.Context, creatorID string, wager int64, choice models.CoinSide) (*models.Game, error) {
	var game *models.Game
	err := s.redis.Atomically(ctx, func(u *unitOfWork) error {
		var err error
		game, err = s.stageCreate(u, creatorID, wager, choice)
		return err
	}, s.createWatchKeys(creatorID)...)
	if err != nil {
		return nil, storageError("create game", err)
	}
	return game, nil
}

func (s *GameStore) stageCreate(u *unitOfWork, creatorID string, wager int64, choice models.CoinSide) (*models.Game, error) {
	if err := models.ValidateWager(wager); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWager, err)
	}
	if choice != models.Heads && choice != models.Tails {
		return nil, fmt.Errorf("%w: choice must be heads or tails, got %q", ErrInvalidWager, choice)
	}
	if _, err := u.user(creatorID); err != nil {
		return nil, err
	}

	openID, err := u.tx.Get(u.ctx, openGameKey(creatorID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, err
	default:
		open, err := u.game(openID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// a dangling slot pointing at a missing or finished game is reclaimed
		if err == nil && open.Status.IsOpen() {
			return nil, fmt.Errorf("%w: game %s is %s", ErrAlreadyHasActiveGame, open.ID, open.Status)
		}
	}

	pending, err := u.tx.ZCard(u.ctx, KeyPendingGames).Result()
	if err != nil {
		return nil, err
	}
	if pending >= int64(s.pendingCap) {
		if pending, err = s.reclaimOrphans(u); err != nil {
			return nil, err
		}
		if pending >= int64(s.pendingCap) {
			return nil, fmt.Errorf("%w: %d pending games", ErrCapacityExceeded, pending)
		}
	}

	game := &models.Game{
		ID:            models.GenerateGameID(),
		CreatorID:     creatorID,
		WagerAmount:   wager,
		CreatorChoice: choice,
		Status:        models.GameStatusPending,
		CreatedAt:     u.now,
	}
	u.putGame(game)
	u.queue(func(pipe redis.Pipeliner) {
		pipe.ZAdd(u.ctx, KeyPendingGames, redis.Z{
			Score:  float64(game.CreatedAt.UnixMicro()),
			Member: game.ID,
		})
		pipe.Set(u.ctx, openGameKey(creatorID), game.ID, 0)
	})
	return game, nil
}

// reclaimOrphans closes pending games that no longer count against the cap:
// index entries whose game record is gone, and games whose creator no longer
// resolves. Such games are hidden from listings and cannot be cancelled by
// anyone, so they are cancelled here without a refund. Returns the number of
// pending games that remain.
func (s *GameStore) reclaimOrphans(u *unitOfWork) (int64, error) {
	ids, err := u.tx.ZRange(u.ctx, KeyPendingGames, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = gameKey(id)
	}
	if err := u.tx.Watch(u.ctx, keys...).Err(); err != nil {
		return 0, err
	}

	live := int64(0)
	for _, id := range ids {
		game, err := u.game(id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		if err != nil || game.Status != models.GameStatusPending {
			staleID := id
			u.queue(func(pipe redis.Pipeliner) {
				pipe.ZRem(u.ctx, KeyPendingGames, staleID)
			})
			continue
		}

		if err := u.tx.Watch(u.ctx, userKey(game.CreatorID)).Err(); err != nil {
			return 0, err
		}
		_, err = u.user(game.CreatorID)
		if errors.Is(err, ErrNotFound) {
			cancelledAt := u.now
			game.Status = models.GameStatusCancelled
			game.CancelledAt = &cancelledAt
			u.putGame(game)
			s.queueClose(u, game)
			s.logger.Warn("reclaimed pending game with missing creator",
				zap.String("game_id", game.ID),
				zap.String("creator_id", game.CreatorID))
			continue
		}
		if err != nil {
			return 0, err
		}
		live++
	}
	return live, nil
}

// ListPending returns pending games newest first. Games whose creator no
// longer resolves are left out.
func (s *GameStore) ListPending(ctx context.Context) ([]*models.Game, error) {
	ids, err := s.redis.Client().ZRevRange(ctx, KeyPendingGames, 0, -1).Result()
	if err != nil {
		return nil, storageError("list pending games", err)
	}

	games, err := s.redis.BulkGetGames(ctx, ids)
	if err != nil {
		return nil, err
	}

	creatorIDs := make([]string, 0, len(games))
	for _, g := range games {
		creatorIDs = append(creatorIDs, g.CreatorID)
	}
	creators, err := s.redis.BulkGetUsers(ctx, creatorIDs)
	if err != nil {
		return nil, err
	}

	pending := make([]*models.Game, 0, len(games))
	for _, g := range games {
		if g.Status != models.GameStatusPending {
			continue
		}
		creator, ok := creators[g.CreatorID]
		if !ok {
			s.logger.Warn("pending game has no resolvable creator",
				zap.String("game_id", g.ID),
				zap.String("creator_id", g.CreatorID))
			continue
		}
		g.CreatorName = creator.PublicName()
		pending = append(pending, g)
	}
	return pending, nil
}

func (s *GameStore) MarkActive(ctx context.Context, gameID, joinerID string) (*models.Game, error) {
	var game *models.Game
	err := s.redis.Atomically(ctx, func(u *unitOfWork) error {
		var err error
		if game, err = u.game(gameID); err != nil {
			return err
		}
		return s.stageMarkActive(u, game, joinerID)
	}, gameKey(gameID))
	if err != nil {
		return nil, storageError("mark game active", err)
	}
	return game, nil
}

func (s *GameStore) stageMarkActive(u *unitOfWork, game *models.Game, joinerID string) error {
	if game.Status != models.GameStatusPending {
		return fmt.Errorf("%w: game %s is %s, not pending", ErrInvalidTransition, game.ID, game.Status)
	}
	if joinerID == game.CreatorID {
		return fmt.Errorf("%w: game %s", ErrSelfJoin, game.ID)
	}

	game.JoinerID = joinerID
	game.Status = models.GameStatusActive
	u.putGame(game)
	u.queue(func(pipe redis.Pipeliner) {
		pipe.ZRem(u.ctx, KeyPendingGames, game.ID)
	})
	return nil
}

func (s *GameStore) MarkCompleted(ctx context.Context, gameID, winnerID string, flip models.CoinSide) (*models.Game, error) {
	var game *models.Game
	err := s.redis.Atomically(ctx, func(u *unitOfWork) error {
		var err error
		if game, err = u.game(gameID); err != nil {
			return err
		}
		return s.stageMarkCompleted(u, game, winnerID, flip)
	}, gameKey(gameID))
	if err != nil {
		return nil, storageError("mark game completed", err)
	}
	return game, nil
}

func (s *GameStore) stageMarkCompleted(u *unitOfWork, game *models.Game, winnerID string, flip models.CoinSide) error {
	if game.Status != models.GameStatusActive {
		return fmt.Errorf("%w: game %s is %s, not active", ErrInvalidTransition, game.ID, game.Status)
	}
	if winnerID != game.CreatorID && winnerID != game.JoinerID {
		return fmt.Errorf("winner %s is not a player in game %s", winnerID, game.ID)
	}
	if flip != models.Heads && flip != models.Tails {
		return fmt.Errorf("invalid flip result %q", flip)
	}

	completedAt := u.now
	game.Status = models.GameStatusCompleted
	game.WinnerID = winnerID
	game.FlipResult = flip
	game.CompletedAt = &completedAt
	u.putGame(game)
	s.queueClose(u, game)
	return nil
}

func (s *GameStore) Cancel(ctx context.Context, gameID, requesterID string) (*models.Game, error) {
	var game *models.Game
	err := s.redis.Atomically(ctx, func(u *unitOfWork) error {
		var err error
		if game, err = u.game(gameID); err != nil {
			return err
		}
		return s.stageCancel(u, game, requesterID)
	}, gameKey(gameID))
	if err != nil {
		return nil, storageError("cancel game", err)
	}
	return game, nil
}

func (s *GameStore) stageCancel(u *unitOfWork, game *models.Game, requesterID string) error {
	if requesterID != game.CreatorID {
		return fmt.Errorf("%w: only the creator can cancel game %s", ErrForbidden, game.ID)
	}
	if game.Status != models.GameStatusPending {
		return fmt.Errorf("%w: game %s is %s, not pending", ErrInvalidTransition, game.ID, game.Status)
	}

	cancelledAt := u.now
	game.Status = models.GameStatusCancelled
	game.CancelledAt = &cancelledAt
	u.putGame(game)
	s.queueClose(u, game)
	return nil
}

// queueClose releases the creator's open slot and moves the game from the
// pending index to the terminal index.
func (s *GameStore) queueClose(u *unitOfWork, game *models.Game) {
	ended := game.EndedAt()
	u.queue(func(pipe redis.Pipeliner) {
		pipe.ZRem(u.ctx, KeyPendingGames, game.ID)
		pipe.Del(u.ctx, openGameKey(game.CreatorID))
		pipe.ZAdd(u.ctx, KeyTerminalGames, redis.Z{
			Score:  float64(ended.UnixMicro()),
			Member: game.ID,
		})
	})
}

// TerminalGameIDsBefore lists up to limit terminal games that ended before cutoff,
// oldest first.
func (s *GameStore) TerminalGameIDsBefore(ctx context.Context, cutoff time.Time, limit int64) ([]string, error) {
	ids, err := s.redis.Client().ZRangeByScore(ctx, KeyTerminalGames, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMicro(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, storageError("list terminal games", err)
	}
	return ids, nil
}

// Delete removes a completed or cancelled game. Pending and active games are
// never deleted. A game that already expired only has its index entry
// dropped.
func (s *GameStore) Delete(ctx context.Context, gameID string) error {
	err := s.redis.Atomically(ctx, func(u *unitOfWork) error {
		game, err := u.game(gameID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && !game.Status.IsTerminal() {
			return fmt.Errorf("%w: game %s is %s", ErrInvalidTransition, gameID, game.Status)
		}

		u.queue(func(pipe redis.Pipeliner) {
			pipe.Del(u.ctx, gameKey(gameID), fmt.Sprintf(KeyGameTransactions, gameID))
			pipe.ZRem(u.ctx, KeyTerminalGames, gameID)
		})
		return nil
	}, gameKey(gameID))
	if err != nil {
		return storageError("delete game", err)
	}

	s.logger.Info("game deleted", zap.String("game_id", gameID))
	return nil
}
