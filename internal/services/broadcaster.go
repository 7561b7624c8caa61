package services

import (
	"context"

	"satoshiflip-backend/internal/models"
)

// Broadcaster publishes game transitions. Delivery is best effort; callers
// never depend on it for correctness.
type Broadcaster interface {
	BroadcastGameEvent(ctx context.Context, event *models.GameEvent) error
}

// GameArchive stores terminal games and their ledger entries outside Redis
// before they are purged.
type GameArchive interface {
	ArchiveGame(ctx context.Context, game *models.Game, transactions []*models.Transaction) error
}
