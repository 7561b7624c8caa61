package models

import "time"

type CoinSide string

const (
	Heads CoinSide = "heads"
	Tails CoinSide = "tails"
)

type GameStatus string

const (
	GameStatusPending   GameStatus = "pending"
	GameStatusActive    GameStatus = "active"
	GameStatusCompleted GameStatus = "completed"
	GameStatusCancelled GameStatus = "cancelled"
)

// IsOpen reports whether the game still holds its creator's single open slot.
func (s GameStatus) IsOpen() bool {
	return s == GameStatusPending || s == GameStatusActive
}

func (s GameStatus) IsTerminal() bool {
	return s == GameStatusCompleted || s == GameStatusCancelled
}

type Game struct {
	ID            string     `json:"id"`
	CreatorID     string     `json:"creator_id"`
	JoinerID      string     `json:"joiner_id,omitempty"`
	WagerAmount   int64      `json:"wager_amount"`
	CreatorChoice CoinSide   `json:"creator_choice"`
	Status        GameStatus `json:"status"`
	FlipResult    CoinSide   `json:"flip_result,omitempty"`
	WinnerID      string     `json:"winner_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`

	// CreatorName is resolved on read for listings and never persisted.
	CreatorName string `json:"creator_name,omitempty"`
}

// EndedAt is when the game reached a terminal state.
func (g *Game) EndedAt() time.Time {
	if g.CompletedAt != nil {
		return *g.CompletedAt
	}
	if g.CancelledAt != nil {
		return *g.CancelledAt
	}
	return g.CreatedAt
}

type JoinResult struct {
	Game     *Game `json:"game"`
	IsWinner bool  `json:"is_winner"`
}

type GameEventType string

const (
	EventGameCreated   GameEventType = "game_created"
	EventGameJoined    GameEventType = "game_joined"
	EventGameSettled   GameEventType = "game_settled"
	EventGameCancelled GameEventType = "game_cancelled"
)

// GameEvent is an advisory change notification. Consumers reconcile through
// the pending game listing rather than trusting delivery.
type GameEvent struct {
	Type       GameEventType `json:"type"`
	GameID     string        `json:"game_id"`
	Status     GameStatus    `json:"status"`
	CreatorID  string        `json:"creator_id"`
	JoinerID   string        `json:"joiner_id,omitempty"`
	WinnerID   string        `json:"winner_id,omitempty"`
	FlipResult CoinSide      `json:"flip_result,omitempty"`
	Wager      int64         `json:"wager_amount"`
	At         time.Time     `json:"at"`
}

func NewGameEvent(t GameEventType, g *Game) *GameEvent {
	return &GameEvent{
		Type:       t,
		GameID:     g.ID,
		Status:     g.Status,
		CreatorID:  g.CreatorID,
		JoinerID:   g.JoinerID,
		WinnerID:   g.WinnerID,
		FlipResult: g.FlipResult,
		Wager:      g.WagerAmount,
		At:         time.Now(),
	}
}

// Participants lists the users whose balances the event touched.
func (e *GameEvent) Participants() []string {
	if e.JoinerID == "" {
		return []string{e.CreatorID}
	}
	return []string{e.CreatorID, e.JoinerID}
}
