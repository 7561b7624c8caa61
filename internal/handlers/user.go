package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"satoshiflip-backend/internal/models"
	"satoshiflip-backend/internal/services"
)

type UserHandler struct {
	games  *services.GameService
	logger *zap.Logger
}

func NewUserHandler(games *services.GameService, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		games:  games,
		logger: logger,
	}
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	user, err := h.games.GetUser(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":        user,
		"name":        user.PublicName(),
		"balance_btc": models.FormatBTC(user.Balance),
		"session_id":  c.GetString("session_id"),
	})
}

func (h *UserHandler) GetBalance(c *gin.Context) {
	userID := c.GetString("user_id")

	balance, err := h.games.GetBalance(c.Request.Context(), userID)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.BalanceResponse{
		UserID:     userID,
		Balance:    balance,
		BalanceBTC: models.FormatBTC(balance),
	})
}

func (h *UserHandler) ListTransactions(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit < 1 || limit > services.MaxUserTransactions {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"details": "limit must be between 1 and 100",
		})
		return
	}

	offset, err := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if err != nil || offset < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"details": "offset must be a non-negative integer",
		})
		return
	}

	txs, err := h.games.ListTransactions(c.Request.Context(), c.GetString("user_id"), offset, limit)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

func (h *UserHandler) Tip(c *gin.Context) {
	userID := c.GetString("user_id")

	var req models.TipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	txs, err := h.games.Tip(c.Request.Context(), userID, req.ToUserID, req.Amount)
	if err != nil {
		RespondError(c, err)
		return
	}

	h.logger.Info("tip sent",
		zap.String("from_user_id", userID),
		zap.String("to_user_id", req.ToUserID),
		zap.Int64("amount", req.Amount))

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": txs[0],
		"balance":     txs[0].BalanceAfter,
	})
}

func (h *UserHandler) RequestWithdrawal(c *gin.Context) {
	userID := c.GetString("user_id")

	var req models.WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tx, err := h.games.RequestWithdrawal(c.Request.Context(), userID, req.Address, req.Amount)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":     true,
		"transaction": tx,
		"balance":     tx.BalanceAfter,
	})
}

type AdminHandler struct {
	games  *services.GameService
	logger *zap.Logger
}

func NewAdminHandler(games *services.GameService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		games:  games,
		logger: logger,
	}
}

// Deposit credits a user after an on-chain payment has been confirmed
// elsewhere.
func (h *AdminHandler) Deposit(c *gin.Context) {
	var req models.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tx, err := h.games.Deposit(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		RespondError(c, err)
		return
	}

	h.logger.Info("deposit credited",
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.String("transaction_id", tx.ID))

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": tx,
	})
}

func (h *AdminHandler) ListWithdrawals(c *gin.Context) {
	txs, err := h.games.PendingWithdrawals(c.Request.Context(), 0)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"withdrawals": txs,
		"count":       len(txs),
	})
}
