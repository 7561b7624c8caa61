package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/models"
)

// Ledger is the balance of record. Every balance change goes through a
// stage* helper so it can join a larger unit of work, and every change
// appends a transaction record in the same commit.
type Ledger struct {
	redis           *RedisService
	logger          *zap.Logger
	startingBalance int64
}

func NewLedger(redisService *RedisService, startingBalance int64, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		redis:           redisService,
		logger:          logger,
		startingBalance: startingBalance,
	}
}

type posting struct {
	kind         models.TransactionKind
	status       string
	gameID       string
	counterparty string
	address      string
}

func userKey(userID string) string {
	return fmt.Sprintf(KeyUser, userID)
}

// EnsureUser creates the user on first authentication and is a no-op
// afterwards. The display name is claimed only if no other user holds it.
func (l *Ledger) EnsureUser(ctx context.Context, userID, displayName string) (*models.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrUnauthenticated)
	}
	displayName = strings.TrimSpace(displayName)

	var user *models.User
	created := false
	err := l.redis.Atomically(ctx, func(u *unitOfWork) error {
		user, created = nil, false

		existing, err := u.user(userID)
		if err == nil {
			user = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		user = &models.User{
			ID:        userID,
			CreatedAt: u.now,
		}

		if displayName != "" {
			nameKey := strings.ToLower(displayName)
			owner, err := u.tx.HGet(u.ctx, KeyUserNames, nameKey).Result()
			switch {
			case errors.Is(err, redis.Nil):
				user.DisplayName = displayName
				u.queue(func(pipe redis.Pipeliner) {
					pipe.HSet(u.ctx, KeyUserNames, nameKey, userID)
				})
			case err != nil:
				return err
			case owner == userID:
				user.DisplayName = displayName
			default:
				l.logger.Info("display name already taken",
					zap.String("user_id", userID),
					zap.String("display_name", displayName))
			}
		}

		u.putUser(user)
		if l.startingBalance > 0 {
			if _, err := l.stageCredit(u, userID, l.startingBalance, posting{kind: models.TransactionKindDeposit}); err != nil {
				return err
			}
		}
		created = true
		return nil
	}, userKey(userID), KeyUserNames)
	if err != nil {
		return nil, storageError("ensure user", err)
	}

	if created {
		l.logger.Info("user created",
			zap.String("user_id", userID),
			zap.String("display_name", user.DisplayName),
			zap.Int64("balance", user.Balance))
	}
	return user, nil
}

func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	user, err := l.redis.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// Debit takes a wager stake from the user.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (*models.Transaction, error) {
	var tx *models.Transaction
	err := l.redis.Atomically(ctx, func(u *unitOfWork) error {
		var err error
		tx, err = l.stageDebit(u, userID, amount, posting{kind: models.TransactionKindWager})
		return err
	}, userKey(userID))
	if err != nil {
		return nil, storageError("debit", err)
	}

	l.logger.Info("balance debited",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.Int64("balance", tx.BalanceAfter))
	return tx, nil
}

func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, kind models.TransactionKind) (*models.Transaction, error) {
	var tx *models.Transaction
	err := l.redis.Atomically(ctx, func(u *unitOfWork) error {
		var err error
		tx, err = l.stageCredit(u, userID, amount, posting{kind: kind})
		return err
	}, userKey(userID))
	if err != nil {
		return nil, storageError("credit", err)
	}

	l.logger.Info("balance credited",
		zap.String("user_id", userID),
		zap.String("kind", string(kind)),
		zap.Int64("amount", amount),
		zap.Int64("balance", tx.BalanceAfter))
	return tx, nil
}

// Transfer moves amount between two users all-or-nothing: if the credit
// cannot be staged the debit is discarded with it.
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64) ([]*models.Transaction, error) {
	if fromUserID == toUserID {
		return nil, fmt.Errorf("%w: cannot transfer to self", ErrForbidden)
	}

	var debit, credit *models.Transaction
	err := l.redis.Atomically(ctx, func(u *unitOfWork) error {
		var err error
		debit, err = l.stageDebit(u, fromUserID, amount, posting{
			kind:         models.TransactionKindTransfer,
			counterparty: toUserID,
		})
		if err != nil {
			return err
		}
		credit, err = l.stageCredit(u, toUserID, amount, posting{
			kind:         models.TransactionKindTransfer,
			counterparty: fromUserID,
		})
		return err
	}, userKey(fromUserID), userKey(toUserID))
	if err != nil {
		return nil, storageError("transfer", err)
	}

	l.logger.Info("balance transferred",
		zap.String("from_user_id", fromUserID),
		zap.String("to_user_id", toUserID),
		zap.Int64("amount", amount))
	return []*models.Transaction{debit, credit}, nil
}

func (l *Ledger) stageDebit(u *unitOfWork, userID string, amount int64, p posting) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit of %d", ErrInvalidAmount, amount)
	}

	user, err := u.user(userID)
	if err != nil {
		return nil, err
	}
	if user.Balance < amount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, user.Balance, amount)
	}

	before := user.Balance
	user.Balance -= amount
	u.putUser(user)

	tx := newTransaction(u, userID, -amount, before, user.Balance, p)
	u.appendTransaction(tx)
	return tx, nil
}

func (l *Ledger) stageCredit(u *unitOfWork, userID string, amount int64, p posting) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit of %d", ErrInvalidAmount, amount)
	}

	user, err := u.user(userID)
	if err != nil {
		return nil, err
	}
	if user.Balance > math.MaxInt64-amount {
		return nil, fmt.Errorf("credit of %d overflows balance of user %s", amount, userID)
	}

	before := user.Balance
	user.Balance += amount
	u.putUser(user)

	tx := newTransaction(u, userID, amount, before, user.Balance, p)
	u.appendTransaction(tx)
	return tx, nil
}

func newTransaction(u *unitOfWork, userID string, amount, before, after int64, p posting) *models.Transaction {
	status := p.status
	if status == "" {
		status = models.TransactionStatusCompleted
	}
	return &models.Transaction{
		ID:            models.GenerateTransactionID(),
		UserID:        userID,
		Kind:          p.kind,
		Amount:        amount,
		Status:        status,
		BalanceBefore: before,
		BalanceAfter:  after,
		GameID:        p.gameID,
		Counterparty:  p.counterparty,
		Address:       p.address,
		CreatedAt:     u.now,
	}
}
