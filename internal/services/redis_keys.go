package services

import "time"

const (
	KeyUser               = "user:%s"
	KeyUserNames          = "users:names"
	KeyUserOpenGame       = "user:%s:open_game"
	KeyUserTransactions   = "user:%s:transactions"
	KeyGame               = "game:%s"
	KeyGameTransactions   = "game:%s:transactions"
	KeyPendingGames       = "games:pending"
	KeyTerminalGames      = "games:terminal"
	KeyTransaction        = "transaction:%s"
	KeyPendingWithdrawals = "withdrawals:pending"
	KeyRateLimit          = "ratelimit:%s:%s"

	ChannelGameEvents = "satoshiflip:games"

	TTLTerminalGame = 7 * 24 * time.Hour

	// largest page of a user's transaction history served per read
	MaxUserTransactions = 100

	DefaultRateLimitCreate   = 10
	DefaultRateLimitJoin     = 30
	DefaultRateLimitTip      = 20
	DefaultRateLimitWithdraw = 5
)
