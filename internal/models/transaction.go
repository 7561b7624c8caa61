package models

import "time"

type TransactionKind string

const (
	TransactionKindWager      TransactionKind = "wager"
	TransactionKindWin        TransactionKind = "win"
	TransactionKindRefund     TransactionKind = "refund"
	TransactionKindDeposit    TransactionKind = "deposit"
	TransactionKindTransfer   TransactionKind = "transfer"
	TransactionKindWithdrawal TransactionKind = "withdrawal"
)

const (
	TransactionStatusCompleted = "completed"

	// a withdrawal stays pending until an operator pays it out on chain
	TransactionStatusPending = "pending"
)

// Transaction is an append-only ledger entry. Amount is signed: debits are
// negative, credits positive.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Kind          TransactionKind `json:"kind"`
	Amount        int64           `json:"amount"`
	Status        string          `json:"status"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	GameID        string          `json:"game_id,omitempty"`
	Counterparty  string          `json:"counterparty_id,omitempty"`
	Address       string          `json:"address,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
