package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"satoshiflip-backend/internal/archive"
	"satoshiflip-backend/internal/config"
	"satoshiflip-backend/internal/handlers"
	"satoshiflip-backend/internal/logging"
	"satoshiflip-backend/internal/middleware"
	"satoshiflip-backend/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisService, err := services.NewRedisService(cfg, logger)
	if err != nil {
		return err
	}
	defer redisService.Close()

	jwtService := services.NewJWTService(cfg)
	notifier := services.NewRedisNotifier(redisService, logger.Named("notifier"))

	ledger := services.NewLedger(redisService, cfg.StartingBalance, logger.Named("ledger"))
	store := services.NewGameStore(redisService, cfg.PendingGameCap, logger.Named("games"))
	engine := services.NewSettlementEngine(redisService, ledger, store, services.CryptoFlipper{}, logger.Named("settlement"))
	gameService := services.NewGameService(redisService, ledger, store, engine, notifier, cfg.OperationTimeout, logger)

	hub := handlers.NewWebSocketHub(gameService, logger.Named("ws"))
	events, err := notifier.Subscribe(ctx)
	if err != nil {
		return err
	}

	var archiveStore *archive.Store
	if cfg.ArchiveDatabaseURL != "" {
		archiveStore, err = archive.Open(cfg.ArchiveDatabaseURL, logger.Named("archive"))
		if err != nil {
			return err
		}
		defer archiveStore.Close()
	} else {
		logger.Info("archive disabled, terminal games expire by TTL")
	}

	router := newRouter(cfg, logger, redisService, jwtService, gameService, hub)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		hub.Run(gctx, events)
		return nil
	})

	if archiveStore != nil {
		g.Go(func() error {
			runArchiver(gctx, cfg, gameService, archiveStore, logger.Named("archive"))
			return nil
		})
	}

	return g.Wait()
}

func runArchiver(ctx context.Context, cfg *config.Config, games *services.GameService, store *archive.Store, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := games.PurgeTerminalGames(ctx, cfg.ArchiveAfter, store)
			if err != nil {
				logger.Error("archive pass failed", zap.Int("purged", n), zap.Error(err))
			}
		}
	}
}

func newRouter(cfg *config.Config, logger *zap.Logger, redisService *services.RedisService,
	jwtService *services.JWTService, gameService *services.GameService, hub *handlers.WebSocketHub) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	userHandler := handlers.NewUserHandler(gameService, logger)
	gameHandler := handlers.NewGameHandler(gameService, logger)
	adminHandler := handlers.NewAdminHandler(gameService, logger)
	wsHandler := handlers.NewWebSocketHandler(hub, logger.Named("ws"))

	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/healthz", func(c *gin.Context) {
		if err := redisService.Client().Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limit := func(action string, n int) gin.HandlerFunc {
		return middleware.RateLimitMiddleware(redisService, action, n, time.Minute, logger)
	}

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(jwtService, gameService))
	{
		protected.GET("/me", userHandler.GetCurrentUser)
		protected.GET("/balance", userHandler.GetBalance)
		protected.GET("/transactions", userHandler.ListTransactions)
		protected.POST("/tips", limit("tip", services.DefaultRateLimitTip), userHandler.Tip)
		protected.POST("/withdrawals", limit("withdraw", services.DefaultRateLimitWithdraw), userHandler.RequestWithdrawal)

		protected.GET("/ws", wsHandler.HandleWebSocket)

		games := protected.Group("/games")
		{
			games.GET("", gameHandler.ListGames)
			games.POST("", limit("create", services.DefaultRateLimitCreate), gameHandler.CreateGame)
			games.GET("/:id", gameHandler.GetGame)
			games.POST("/:id/join", limit("join", services.DefaultRateLimitJoin), gameHandler.JoinGame)
			games.POST("/:id/cancel", limit("cancel", services.DefaultRateLimitCreate), gameHandler.CancelGame)
		}
	}

	admin := router.Group("/admin")
	admin.Use(middleware.AdminMiddleware(cfg.AdminToken))
	{
		admin.POST("/deposits", adminHandler.Deposit)
		admin.GET("/withdrawals", adminHandler.ListWithdrawals)
	}

	return router
}
