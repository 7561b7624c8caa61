package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"satoshiflip-backend/internal/config"
	"satoshiflip-backend/internal/handlers"
	"satoshiflip-backend/internal/middleware"
	"satoshiflip-backend/internal/models"
	"satoshiflip-backend/internal/services"
)

const adminToken = "admin-secret"

type apiEnv struct {
	router *gin.Engine
	jwt    *services.JWTService
	games  *services.GameService
	redis  *services.RedisService
	hub    *handlers.WebSocketHub
	flip   models.CoinSide
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	env := &apiEnv{
		jwt:  services.NewJWTService(&config.Config{JWTSecret: "test-secret"}),
		flip: models.Heads,
	}

	env.redis = services.NewRedisServiceWithClient(client, logger)
	ledger := services.NewLedger(env.redis, 0, logger)
	store := services.NewGameStore(env.redis, 10, logger)
	engine := services.NewSettlementEngine(env.redis, ledger, store,
		services.FlipperFunc(func() (models.CoinSide, error) { return env.flip, nil }), logger)
	env.games = services.NewGameService(env.redis, ledger, store, engine,
		services.NewRedisNotifier(env.redis, logger), 5*time.Second, logger)
	env.hub = handlers.NewWebSocketHub(env.games, logger)

	userHandler := handlers.NewUserHandler(env.games, logger)
	gameHandler := handlers.NewGameHandler(env.games, logger)
	adminHandler := handlers.NewAdminHandler(env.games, logger)
	wsHandler := handlers.NewWebSocketHandler(env.hub, logger)

	r := gin.New()
	api := r.Group("/api", middleware.AuthMiddleware(env.jwt, env.games))
	api.GET("/me", userHandler.GetCurrentUser)
	api.GET("/balance", userHandler.GetBalance)
	api.GET("/transactions", userHandler.ListTransactions)
	api.POST("/tips", middleware.RateLimitMiddleware(env.redis, "tip", 2, time.Minute, logger), userHandler.Tip)
	api.POST("/withdrawals", middleware.RateLimitMiddleware(env.redis, "withdraw", 3, time.Minute, logger), userHandler.RequestWithdrawal)
	api.GET("/ws", wsHandler.HandleWebSocket)
	api.GET("/games", gameHandler.ListGames)
	api.POST("/games", gameHandler.CreateGame)
	api.GET("/games/:id", gameHandler.GetGame)
	api.POST("/games/:id/join", gameHandler.JoinGame)
	api.POST("/games/:id/cancel", gameHandler.CancelGame)
	r.POST("/admin/deposits", middleware.AdminMiddleware(adminToken), adminHandler.Deposit)
	r.GET("/admin/withdrawals", middleware.AdminMiddleware(adminToken), adminHandler.ListWithdrawals)

	env.router = r
	return env
}

func (e *apiEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.jwt.GenerateToken(userID, "")
	require.NoError(t, err)
	return token
}

func (e *apiEnv) do(t *testing.T, method, path, userID string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

// fund registers the user through the auth middleware and deposits amount.
func (e *apiEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()

	code, _ := e.do(t, http.MethodGet, "/api/me", userID, nil)
	require.Equal(t, http.StatusOK, code)

	_, err := e.games.Deposit(context.Background(), userID, amount)
	require.NoError(t, err)
}

func TestAuthRequired(t *testing.T) {
	env := newAPIEnv(t)

	code, body := env.do(t, http.MethodGet, "/api/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHENTICATED", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/balance?token="+env.token(t, "alice"), nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGameFlowOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	env.fund(t, "alice", 5000)
	env.fund(t, "bob", 2000)

	code, body := env.do(t, http.MethodPost, "/api/games", "alice", gin.H{"wager_amount": 1000, "choice": "heads"})
	require.Equal(t, http.StatusCreated, code)
	game := body["game"].(map[string]any)
	gameID := game["id"].(string)
	assert.Equal(t, "pending", game["status"])

	code, body = env.do(t, http.MethodGet, "/api/games", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = env.do(t, http.MethodPost, "/api/games/"+gameID+"/join", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "SELF_JOIN", body["error"])

	env.flip = models.Tails
	code, body = env.do(t, http.MethodPost, "/api/games/"+gameID+"/join", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_winner"])
	assert.Equal(t, "tails", body["flip_result"])

	code, body = env.do(t, http.MethodGet, "/api/balance", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3000, body["balance"])
	assert.Equal(t, "0.00003000", body["balance_btc"])

	code, body = env.do(t, http.MethodPost, "/api/games/"+gameID+"/join", "bob", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_TRANSITION", body["error"])

	code, body = env.do(t, http.MethodGet, "/api/transactions?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["count"])

	code, _ = env.do(t, http.MethodGet, "/api/transactions?limit=500", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGameErrorsOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	env.fund(t, "alice", 5000)
	env.fund(t, "bob", 500)

	code, body := env.do(t, http.MethodPost, "/api/games", "alice", gin.H{"wager_amount": 100_000_001, "choice": "heads"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_WAGER", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/games", "alice", gin.H{"wager_amount": 1000, "choice": "edge"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_WAGER", body["error"])

	code, body = env.do(t, http.MethodGet, "/api/games/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["error"])

	_, body = env.do(t, http.MethodPost, "/api/games", "alice", gin.H{"wager_amount": 1000, "choice": "tails"})
	gameID := body["game"].(map[string]any)["id"].(string)

	code, body = env.do(t, http.MethodPost, "/api/games", "alice", gin.H{"wager_amount": 1000, "choice": "tails"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ALREADY_HAS_ACTIVE_GAME", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/games/"+gameID+"/join", "bob", nil)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/games/"+gameID+"/cancel", "bob", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/games/"+gameID+"/cancel", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1000, body["refunded"])

	_, body = env.do(t, http.MethodGet, "/api/balance", "alice", nil)
	assert.EqualValues(t, 5000, body["balance"])
}

func TestTipsAndRateLimit(t *testing.T) {
	env := newAPIEnv(t)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 0)

	code, body := env.do(t, http.MethodPost, "/api/tips", "alice", gin.H{"to_user_id": "alice", "amount": 10})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/tips", "alice", gin.H{"to_user_id": "bob", "amount": 250})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 750, body["balance"])

	code, body = env.do(t, http.MethodPost, "/api/tips", "alice", gin.H{"to_user_id": "bob", "amount": 250})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMITED", body["error"])
}

func TestWithdrawalOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	env.fund(t, "alice", 5000)

	code, body := env.do(t, http.MethodPost, "/api/withdrawals", "alice", gin.H{"address": "", "amount": 2000})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ADDRESS", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/withdrawals", "alice", gin.H{"address": "bc1qexample", "amount": 500})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_AMOUNT", body["error"])

	code, body = env.do(t, http.MethodPost, "/api/withdrawals", "alice", gin.H{"address": "bc1qexample", "amount": 2000})
	require.Equal(t, http.StatusAccepted, code)
	assert.EqualValues(t, 3000, body["balance"])
	tx := body["transaction"].(map[string]any)
	assert.Equal(t, "withdrawal", tx["kind"])
	assert.Equal(t, "pending", tx["status"])

	req := httptest.NewRequest(http.MethodGet, "/admin/withdrawals", nil)
	req.Header.Set("X-Admin-Token", adminToken)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var listed map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.EqualValues(t, 1, listed["count"])

	code, body = env.do(t, http.MethodPost, "/api/withdrawals", "alice", gin.H{"address": "bc1qexample", "amount": 2000})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "RATE_LIMITED", body["error"])
	_, body = env.do(t, http.MethodGet, "/api/balance", "alice", nil)
	assert.EqualValues(t, 3000, body["balance"])
}

func TestAdminDeposit(t *testing.T) {
	env := newAPIEnv(t)
	env.fund(t, "alice", 0)

	deposit := func(token string) int {
		data, _ := json.Marshal(gin.H{"user_id": "alice", "amount": 5000})
		req := httptest.NewRequest(http.MethodPost, "/admin/deposits", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("X-Admin-Token", token)
		}
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, deposit(""))
	assert.Equal(t, http.StatusForbidden, deposit("wrong"))
	assert.Equal(t, http.StatusOK, deposit(adminToken))

	_, body := env.do(t, http.MethodGet, "/api/balance", "alice", nil)
	assert.EqualValues(t, 5000, body["balance"])
}

func TestStatusCode(t *testing.T) {
	cases := map[error]int{
		services.ErrUnauthenticated:      http.StatusUnauthorized,
		services.ErrAlreadySettled:       http.StatusConflict,
		services.ErrCapacityExceeded:     http.StatusTooManyRequests,
		services.ErrSettlementFailed:     http.StatusServiceUnavailable,
		services.ErrTimeout:              http.StatusGatewayTimeout,
		services.ErrInsufficientBalance:  http.StatusPaymentRequired,
		services.ErrAlreadyHasActiveGame: http.StatusConflict,
		assert.AnError:                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, handlers.StatusCode(err), err.Error())
	}
}
