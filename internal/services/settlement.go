package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"satoshiflip-backend/internal/models"
)

// Flipper draws one unbiased coin flip.
type Flipper interface {
	Flip() (models.CoinSide, error)
}

type FlipperFunc func() (models.CoinSide, error)

func (f FlipperFunc) Flip() (models.CoinSide, error) {
	return f()
}

// CryptoFlipper takes one bit from crypto/rand.
type CryptoFlipper struct{}

func (CryptoFlipper) Flip() (models.CoinSide, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to read random bit: %w", err)
	}
	if b[0]&1 == 1 {
		return models.Heads, nil
	}
	return models.Tails, nil
}

// DecideWinner returns the creator when the flip matches the creator's call
// and the joiner otherwise.
func DecideWinner(game *models.Game, joinerID string, flip models.CoinSide) string {
	if flip == game.CreatorChoice {
		return game.CreatorID
	}
	return joinerID
}

type Settlement struct {
	Game         *models.Game
	Transactions []*models.Transaction
}

// SettlementEngine is the only writer of flip results, winners and the
// completed status. The creator's stake is already escrowed at creation, so
// settling debits the joiner and pays the winner both stakes.
type SettlementEngine struct {
	redis   *RedisService
	ledger  *Ledger
	store   *GameStore
	flipper Flipper
	logger  *zap.Logger
}

func NewSettlementEngine(redisService *RedisService, ledger *Ledger, store *GameStore, flipper Flipper, logger *zap.Logger) *SettlementEngine {
	if flipper == nil {
		flipper = CryptoFlipper{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementEngine{
		redis:   redisService,
		ledger:  ledger,
		store:   store,
		flipper: flipper,
		logger:  logger,
	}
}

// Settle resolves a join. Either every effect commits together (joiner
// debited, game completed, winner credited, transactions appended) or none
// does and the game stays pending.
func (e *SettlementEngine) Settle(ctx context.Context, gameID, joinerID string) (*Settlement, error) {
	snapshot, err := e.store.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if err := checkSettleable(snapshot, joinerID); err != nil {
		return nil, err
	}

	// drawn once so a retried unit of work cannot re-roll the outcome
	flip, err := e.flipper.Flip()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}

	var (
		settled *models.Game
		txs     []*models.Transaction
	)
	err = e.redis.Atomically(ctx, func(u *unitOfWork) error {
		game, err := u.game(gameID)
		if err != nil {
			return err
		}
		if err := checkSettleable(game, joinerID); err != nil {
			return err
		}

		stake, err := e.ledger.stageDebit(u, joinerID, game.WagerAmount, posting{
			kind:         models.TransactionKindWager,
			gameID:       game.ID,
			counterparty: game.CreatorID,
		})
		if err != nil {
			return err
		}

		payout, err := e.resolve(u, game, joinerID, flip)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}

		settled = game
		txs = []*models.Transaction{stake, payout}
		return nil
	}, gameKey(gameID), userKey(joinerID), userKey(snapshot.CreatorID))
	if err != nil {
		return nil, settlementError(err)
	}

	e.logger.Info("game settled",
		zap.String("game_id", settled.ID),
		zap.String("creator_id", settled.CreatorID),
		zap.String("joiner_id", settled.JoinerID),
		zap.String("flip_result", string(settled.FlipResult)),
		zap.String("winner_id", settled.WinnerID),
		zap.Int64("wager", settled.WagerAmount))

	return &Settlement{Game: settled, Transactions: txs}, nil
}

func (e *SettlementEngine) resolve(u *unitOfWork, game *models.Game, joinerID string, flip models.CoinSide) (*models.Transaction, error) {
	if err := e.store.stageMarkActive(u, game, joinerID); err != nil {
		return nil, err
	}

	winnerID := DecideWinner(game, joinerID, flip)
	if err := e.store.stageMarkCompleted(u, game, winnerID, flip); err != nil {
		return nil, err
	}

	loserID := game.CreatorID
	if winnerID == game.CreatorID {
		loserID = joinerID
	}
	return e.ledger.stageCredit(u, winnerID, 2*game.WagerAmount, posting{
		kind:         models.TransactionKindWin,
		gameID:       game.ID,
		counterparty: loserID,
	})
}

func checkSettleable(game *models.Game, joinerID string) error {
	switch {
	case game.Status == models.GameStatusCompleted:
		return fmt.Errorf("game %s: %w", game.ID, ErrAlreadySettled)
	case game.Status != models.GameStatusPending:
		return fmt.Errorf("%w: game %s is %s, not pending", ErrInvalidTransition, game.ID, game.Status)
	case joinerID == game.CreatorID:
		return fmt.Errorf("%w: game %s", ErrSelfJoin, game.ID)
	}
	return nil
}

// settlementError keeps validation outcomes as they are and turns any
// storage failure into a retryable SettlementFailed. Nothing was committed
// in either case.
func settlementError(err error) error {
	if isDomainError(err) {
		return fmt.Errorf("settle: %w", err)
	}
	err = storageError("settle", err)
	if errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSettlementFailed, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrNotFound,
		ErrForbidden,
		ErrInvalidTransition,
		ErrInsufficientBalance,
		ErrInvalidWager,
		ErrInvalidAmount,
		ErrInvalidAddress,
		ErrAlreadyHasActiveGame,
		ErrCapacityExceeded,
		ErrSelfJoin,
		ErrAlreadySettled,
		ErrSettlementFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
