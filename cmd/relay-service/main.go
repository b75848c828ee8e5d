package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatrelay-backend/internal/config"
	"chatrelay-backend/internal/gateway/whatsapp"
	chatHandler "chatrelay-backend/internal/handler/http/chat"
	wsHandler "chatrelay-backend/internal/handler/ws"
	"chatrelay-backend/internal/middleware"
	"chatrelay-backend/internal/repository/postgres"
	"chatrelay-backend/internal/service/chatstore"
	"chatrelay-backend/internal/service/dispatch"
	"chatrelay-backend/internal/service/ingest"
	"chatrelay-backend/internal/service/media"
	"chatrelay-backend/pkg/logger"
	"chatrelay-backend/pkg/metrics"
)

func main() {
	// 1. Load environment and logging
	_ = godotenv.Load()
	cfg := config.LoadConfig()

	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// 2. Connect to Postgres and hydrate the chat snapshot
	pool, err := pgxpool.New(ctx, cfg.GetDBConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pool.Close()

	chatRepo := postgres.NewChatRepository(pool)
	if err := chatRepo.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	snapshot, err := chatRepo.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load chats: %v", err)
	}
	log.Printf("✅ Connected to Postgres, %d chats restored\n", len(snapshot))

	store := chatstore.NewStore(snapshot, chatRepo, logger.Log)

	// 3. Connect to MinIO for attachment storage
	mediaSvc, err := media.NewService(ctx, media.Config{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		Bucket:        cfg.MinIOBucket,
		UseSSL:        cfg.MinIOUseSSL,
		PublicBaseURL: cfg.MediaBaseURL,
	}, media.FFProbeDuration, logger.Log)
	if err != nil {
		log.Fatalf("Failed to initialize media storage: %v", err)
	}
	log.Println("✅ Connected to MinIO")

	// 4. Optional Redis bridge for multi-instance fan-out
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("✅ Connected to Redis")
	}

	// 5. WebSocket hub
	hub := wsHandler.NewRelayHub(store, redisClient, logger.Log)

	// 6. WhatsApp session and the two pipelines
	gateway, err := whatsapp.NewWhatsmeowGateway(cfg.SessionDBPath, logger.Log)
	if err != nil {
		log.Fatalf("Failed to open WhatsApp session store: %v", err)
	}

	ingestSvc := ingest.NewService(store, mediaSvc, hub, logger.Log)
	gateway.SetHandler(ingestSvc)

	dispatchSvc := dispatch.NewService(store, mediaSvc, gateway, hub, hub, logger.Log)
	hub.SetDispatcher(dispatchSvc)

	// 7. Metrics and handlers
	appMetrics := metrics.NewMetrics("relay-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	chatHdlr := chatHandler.NewHandler(store, mediaSvc, dispatchSvc, hub, logger.Log)

	// 8. Router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)
	router.MaxMultipartMemory = media.MaxUploadSize

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "relay-service",
			"session": hub.State(),
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	router.GET("/chats", chatHdlr.GetChats)
	router.POST("/chats/:address/clear-unread", chatHdlr.ClearUnread)
	router.POST("/upload-media", chatHdlr.UploadMedia)
	router.POST("/send-message", chatHdlr.SendMessage)
	router.GET("/ws", hub.ServeWS)

	// 9. Start the WhatsApp session
	if err := gateway.Start(ctx); err != nil {
		log.Fatalf("Failed to start WhatsApp session: %v", err)
	}
	log.Println("✅ WhatsApp session starting")

	// 10. Start server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Relay Service starting on port %d\n", cfg.HTTPPort)
		log.Println("📡 WebSocket endpoint: /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := gateway.Stop(shutdownCtx); err != nil {
		logger.Log.Error("gateway stop failed", zap.Error(err))
	}
	if err := store.Flush(shutdownCtx); err != nil {
		logger.Log.Error("final chat flush failed", zap.Error(err))
	}

	log.Println("Server exited")
}
