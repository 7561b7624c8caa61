package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"satoshiflip-backend/internal/models"
)

type GameRecord struct {
	ID            string          `gorm:"primaryKey;size:64"`
	CreatorID     string          `gorm:"size:128;index"`
	JoinerID      string          `gorm:"size:128;index"`
	WinnerID      string          `gorm:"size:128"`
	WagerSats     int64           `gorm:"not null"`
	WagerBTC      decimal.Decimal `gorm:"type:numeric(16,8);not null"`
	CreatorChoice string          `gorm:"size:8"`
	FlipResult    string          `gorm:"size:8"`
	Status        string          `gorm:"size:16;index"`
	CreatedAt     time.Time
	EndedAt       time.Time `gorm:"index"`
	ArchivedAt    time.Time
}

func (GameRecord) TableName() string { return "archived_games" }

type TransactionRecord struct {
	ID            string          `gorm:"primaryKey;size:64"`
	UserID        string          `gorm:"size:128;index"`
	GameID        string          `gorm:"size:64;index"`
	Kind          string          `gorm:"size:16"`
	Status        string          `gorm:"size:16"`
	AmountSats    int64           `gorm:"not null"`
	AmountBTC     decimal.Decimal `gorm:"type:numeric(16,8);not null"`
	BalanceBefore int64
	BalanceAfter  int64
	Counterparty  string `gorm:"size:128"`
	Address       string `gorm:"size:128"`
	CreatedAt     time.Time
}

func (TransactionRecord) TableName() string { return "archived_transactions" }

func NewGameRecord(game *models.Game, archivedAt time.Time) GameRecord {
	return GameRecord{
		ID:            game.ID,
		CreatorID:     game.CreatorID,
		JoinerID:      game.JoinerID,
		WinnerID:      game.WinnerID,
		WagerSats:     game.WagerAmount,
		WagerBTC:      models.SatoshisToBTC(game.WagerAmount),
		CreatorChoice: string(game.CreatorChoice),
		FlipResult:    string(game.FlipResult),
		Status:        string(game.Status),
		CreatedAt:     game.CreatedAt,
		EndedAt:       game.EndedAt(),
		ArchivedAt:    archivedAt,
	}
}

func NewTransactionRecord(tx *models.Transaction) TransactionRecord {
	return TransactionRecord{
		ID:            tx.ID,
		UserID:        tx.UserID,
		GameID:        tx.GameID,
		Kind:          string(tx.Kind),
		Status:        tx.Status,
		AmountSats:    tx.Amount,
		AmountBTC:     models.SatoshisToBTC(tx.Amount),
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Counterparty:  tx.Counterparty,
		Address:       tx.Address,
		CreatedAt:     tx.CreatedAt,
	}
}

// Store keeps terminal games and their ledger entries in Postgres after they
// leave Redis.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive database: %w", err)
	}

	if err := db.AutoMigrate(&GameRecord{}, &TransactionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive tables: %w", err)
	}

	logger.Info("connected to archive database")
	return &Store{db: db, logger: logger}, nil
}

// ArchiveGame writes one game and its transactions in a single database
// transaction. Rows that already exist are left alone, so a purge that died
// between archiving and deleting can simply run again.
func (s *Store) ArchiveGame(ctx context.Context, game *models.Game, transactions []*models.Transaction) error {
	record := NewGameRecord(game, time.Now().UTC())

	txRecords := make([]TransactionRecord, 0, len(transactions))
	for _, tx := range transactions {
		txRecords = append(txRecords, NewTransactionRecord(tx))
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return err
		}
		if len(txRecords) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&txRecords).Error
	})
	if err != nil {
		return fmt.Errorf("failed to archive game %s: %w", game.ID, err)
	}

	s.logger.Debug("game archived",
		zap.String("game_id", game.ID),
		zap.Int("transactions", len(txRecords)))
	return nil
}

func (s *Store) GameTransactions(ctx context.Context, gameID string) ([]TransactionRecord, error) {
	var records []TransactionRecord
	err := s.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
