package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MinWager int64 = 100
	MaxWager int64 = 100_000_000

	SatoshisPerBTC = 100_000_000

	MinWithdrawal int64 = 1000
	maxAddressLen       = 100
)

func GenerateGameID() string {
	return uuid.NewString()
}

func GenerateTransactionID() string {
	return "tx_" + uuid.NewString()
}

func ParseCoinSide(s string) (CoinSide, error) {
	switch CoinSide(strings.ToLower(strings.TrimSpace(s))) {
	case Heads:
		return Heads, nil
	case Tails:
		return Tails, nil
	default:
		return "", fmt.Errorf("invalid coin side %q", s)
	}
}

func ValidateWager(amount int64) error {
	if amount < MinWager || amount > MaxWager {
		return fmt.Errorf("wager must be between %d and %d satoshis, got %d", MinWager, MaxWager, amount)
	}
	return nil
}

// ValidateWithdrawalAddress only checks the shape of the destination. The
// operator paying out validates it against the network.
func ValidateWithdrawalAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("withdrawal address is required")
	}
	if len(address) > maxAddressLen || strings.ContainsAny(address, " \t\r\n") {
		return "", fmt.Errorf("withdrawal address %q is malformed", address)
	}
	return address, nil
}

// SatoshisToBTC converts an integer satoshi amount to an exact BTC decimal.
func SatoshisToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}

func FormatBTC(sats int64) string {
	return SatoshisToBTC(sats).StringFixed(8)
}
