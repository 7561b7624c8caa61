package models

type CreateGameRequest struct {
	Amount int64    `json:"wager_amount"`
	Choice CoinSide `json:"choice" binding:"required"`
}

type TipRequest struct {
	ToUserID string `json:"to_user_id" binding:"required"`
	Amount   int64  `json:"amount"`
}

type DepositRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Amount int64  `json:"amount"`
}

type WithdrawalRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

type BalanceResponse struct {
	UserID     string `json:"user_id"`
	Balance    int64  `json:"balance"`
	BalanceBTC string `json:"balance_btc"`
}
