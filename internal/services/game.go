package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/models"
)

const (
	notifyTimeout = 2 * time.Second
	purgeBatch    = 100
)

// GameService is the operation surface handlers call. It composes the
// ledger, game store and settlement engine, bounds every call with the
// operation timeout and announces committed transitions.
type GameService struct {
	redis    *RedisService
	ledger   *Ledger
	store    *GameStore
	engine   *SettlementEngine
	notifier Broadcaster
	logger   *zap.Logger
	timeout  time.Duration
}

func NewGameService(redisService *RedisService, ledger *Ledger, store *GameStore, engine *SettlementEngine,
	notifier Broadcaster, timeout time.Duration, logger *zap.Logger) *GameService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GameService{
		redis:    redisService,
		ledger:   ledger,
		store:    store,
		engine:   engine,
		notifier: notifier,
		logger:   logger,
		timeout:  timeout,
	}
}

func (s *GameService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CreateGame escrows the creator's wager and opens a pending game in one
// unit of work.
func (s *GameService) CreateGame(ctx context.Context, userID string, wager int64, choice models.CoinSide) (*models.Game, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var game *models.Game
	err := s.redis.Atomically(ctx, func(u *unitOfWork) error {
		g, err := s.store.stageCreate(u, userID, wager, choice)
		if err != nil {
			return err
		}
		if _, err := s.ledger.stageDebit(u, userID, wager, posting{
			kind:   models.TransactionKindWager,
			gameID: g.ID,
		}); err != nil {
			return err
		}
		game = g
		return nil
	}, s.store.createWatchKeys(userID)...)
	if err != nil {
		return nil, storageError("create game", err)
	}

	s.logger.Info("game created",
		zap.String("game_id", game.ID),
		zap.String("user_id", userID),
		zap.Int64("wager", wager),
		zap.String("choice", string(choice)))

	s.notify(ctx, models.EventGameCreated, game)
	return game, nil
}

func (s *GameService) JoinGame(ctx context.Context, userID, gameID string) (*models.JoinResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	game, err := s.store.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game.CreatorID == userID {
		return nil, fmt.Errorf("%w: game %s", ErrSelfJoin, gameID)
	}
	if game.Status != models.GameStatusPending {
		return nil, fmt.Errorf("%w: game %s is %s", ErrInvalidTransition, gameID, game.Status)
	}

	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < game.WagerAmount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, game.WagerAmount)
	}

	settlement, err := s.engine.Settle(ctx, gameID, userID)
	if errors.Is(err, ErrAlreadySettled) {
		// lost a race with another joiner
		err = fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err != nil {
		s.logger.Info("join failed",
			zap.String("game_id", gameID),
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, err
	}

	settled := settlement.Game
	s.notify(ctx, models.EventGameJoined, settled)
	s.notify(ctx, models.EventGameSettled, settled)

	return &models.JoinResult{
		Game:     settled,
		IsWinner: settled.WinnerID == userID,
	}, nil
}

// CancelGame cancels a pending game and refunds the escrowed wager in the
// same unit of work.
func (s *GameService) CancelGame(ctx context.Context, userID, gameID string) (*models.Game, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	snapshot, err := s.store.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}

	var game *models.Game
	err = s.redis.Atomically(ctx, func(u *unitOfWork) error {
		g, err := u.game(gameID)
		if err != nil {
			return err
		}
		if err := s.store.stageCancel(u, g, userID); err != nil {
			return err
		}
		if _, err := s.ledger.stageCredit(u, g.CreatorID, g.WagerAmount, posting{
			kind:   models.TransactionKindRefund,
			gameID: g.ID,
		}); err != nil {
			return err
		}
		game = g
		return nil
	}, gameKey(gameID), userKey(snapshot.CreatorID))
	if err != nil {
		return nil, storageError("cancel game", err)
	}

	s.logger.Info("game cancelled",
		zap.String("game_id", game.ID),
		zap.String("user_id", userID),
		zap.Int64("refund", game.WagerAmount))

	s.notify(ctx, models.EventGameCancelled, game)
	return game, nil
}

// ListActiveGames returns pending games, newest first.
func (s *GameService) ListActiveGames(ctx context.Context) ([]*models.Game, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.ListPending(ctx)
}

func (s *GameService) GetGame(ctx context.Context, gameID string) (*models.Game, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.Get(ctx, gameID)
}

func (s *GameService) GetBalance(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.ledger.GetBalance(ctx, userID)
}

func (s *GameService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.redis.GetUser(ctx, userID)
}

func (s *GameService) EnsureUser(ctx context.Context, userID, displayName string) (*models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.ledger.EnsureUser(ctx, userID, displayName)
}

func (s *GameService) ListTransactions(ctx context.Context, userID string, offset, limit int64) ([]*models.Transaction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.redis.GetUserTransactions(ctx, userID, offset, limit)
}

// Tip sends satoshis from one player to another.
func (s *GameService) Tip(ctx context.Context, fromUserID, toUserID string, amount int64) ([]*models.Transaction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.ledger.Transfer(ctx, fromUserID, toUserID, amount)
}

func (s *GameService) Deposit(ctx context.Context, userID string, amount int64) (*models.Transaction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.ledger.Credit(ctx, userID, amount, models.TransactionKindDeposit)
}

// RequestWithdrawal debits the user now and leaves a pending withdrawal
// transaction for an operator to pay out.
func (s *GameService) RequestWithdrawal(ctx context.Context, userID, address string, amount int64) (*models.Transaction, error) {
	address, err := models.ValidateWithdrawalAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if amount < models.MinWithdrawal {
		return nil, fmt.Errorf("%w: minimum withdrawal is %d satoshis, got %d", ErrInvalidAmount, models.MinWithdrawal, amount)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var tx *models.Transaction
	err = s.redis.Atomically(ctx, func(u *unitOfWork) error {
		var err error
		tx, err = s.ledger.stageDebit(u, userID, amount, posting{
			kind:    models.TransactionKindWithdrawal,
			status:  models.TransactionStatusPending,
			address: address,
		})
		if err != nil {
			return err
		}
		queued := tx
		u.queue(func(pipe redis.Pipeliner) {
			pipe.ZAdd(u.ctx, KeyPendingWithdrawals, redis.Z{
				Score:  float64(queued.CreatedAt.UnixMicro()),
				Member: queued.ID,
			})
		})
		return nil
	}, userKey(userID))
	if err != nil {
		return nil, storageError("request withdrawal", err)
	}

	s.logger.Info("withdrawal requested",
		zap.String("user_id", userID),
		zap.String("transaction_id", tx.ID),
		zap.Int64("amount", amount))
	return tx, nil
}

// PendingWithdrawals lists withdrawal requests awaiting payout, oldest first.
func (s *GameService) PendingWithdrawals(ctx context.Context, limit int64) ([]*models.Transaction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > MaxUserTransactions {
		limit = MaxUserTransactions
	}
	ids, err := s.redis.Client().ZRange(ctx, KeyPendingWithdrawals, 0, limit-1).Result()
	if err != nil {
		return nil, storageError("list pending withdrawals", err)
	}
	return s.redis.GetTransactions(ctx, ids)
}

// PurgeTerminalGames archives and then deletes completed and cancelled
// games that ended more than olderThan ago. A game is deleted only after its
// archive write succeeds.
func (s *GameService) PurgeTerminalGames(ctx context.Context, olderThan time.Duration, archive GameArchive) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	ids, err := s.store.TerminalGameIDsBefore(ctx, cutoff, purgeBatch)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range ids {
		if err := s.purgeGame(ctx, id, archive); err != nil {
			return purged, fmt.Errorf("purge game %s: %w", id, err)
		}
		purged++
	}

	if purged > 0 {
		s.logger.Info("terminal games purged", zap.Int("count", purged))
	}
	return purged, nil
}

func (s *GameService) purgeGame(ctx context.Context, gameID string, archive GameArchive) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	game, err := s.store.Get(ctx, gameID)
	if errors.Is(err, ErrNotFound) {
		return s.store.Delete(ctx, gameID)
	}
	if err != nil {
		return err
	}
	if !game.Status.IsTerminal() {
		return fmt.Errorf("%w: game %s is %s", ErrInvalidTransition, gameID, game.Status)
	}

	txs, err := s.redis.GetGameTransactions(ctx, gameID)
	if err != nil {
		return err
	}
	if err := archive.ArchiveGame(ctx, game, txs); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return s.store.Delete(ctx, gameID)
}

func (s *GameService) notify(ctx context.Context, eventType models.GameEventType, game *models.Game) {
	if s.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := s.notifier.BroadcastGameEvent(ctx, models.NewGameEvent(eventType, game)); err != nil {
		s.logger.Warn("game event not delivered",
			zap.String("game_id", game.ID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
