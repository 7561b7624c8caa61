package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/models"
	"satoshiflip-backend/internal/services"
)

type GameHandler struct {
	games  *services.GameService
	logger *zap.Logger
}

func NewGameHandler(games *services.GameService, logger *zap.Logger) *GameHandler {
	return &GameHandler{
		games:  games,
		logger: logger,
	}
}

func (h *GameHandler) ListGames(c *gin.Context) {
	games, err := h.games.ListActiveGames(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"games": games,
		"count": len(games),
	})
}

func (h *GameHandler) CreateGame(c *gin.Context) {
	userID := c.GetString("user_id")

	var req models.CreateGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	choice, err := models.ParseCoinSide(string(req.Choice))
	if err != nil {
		RespondError(c, wrapInvalidWager(err))
		return
	}

	game, err := h.games.CreateGame(c.Request.Context(), userID, req.Amount, choice)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"game":    game,
	})
}

func (h *GameHandler) GetGame(c *gin.Context) {
	game, err := h.games.GetGame(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"game": game})
}

func (h *GameHandler) JoinGame(c *gin.Context) {
	userID := c.GetString("user_id")

	result, err := h.games.JoinGame(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}

	game := result.Game
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"game":        game,
		"is_winner":   result.IsWinner,
		"flip_result": game.FlipResult,
		"winner_id":   game.WinnerID,
		"payout":      2 * game.WagerAmount,
		"payout_btc":  models.FormatBTC(2 * game.WagerAmount),
	})
}

func (h *GameHandler) CancelGame(c *gin.Context) {
	userID := c.GetString("user_id")

	game, err := h.games.CancelGame(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"game":     game,
		"refunded": game.WagerAmount,
	})
}
