package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mednote/internal/ratelimit"
	"mednote/internal/telemetry"
	"mednote/internal/usertoken"
	"mednote/internal/util"
	"mednote/pkg/ai"
	"mednote/pkg/ocr"
	"mednote/pkg/storage"
	"mednote/pkg/store"
	"mednote/services/transcript/internal/app"
	"mednote/services/transcript/internal/config"
	"mednote/services/transcript/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "transcript", cfg.OTelEndpoint)
	if err != nil {
		util.Fatal("failed to init tracing", "err", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		ProjectID:  cfg.FirebaseProjectID,
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     cfg.JWTLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	transcripts, err := openStore(ctx, cfg)
	if err != nil {
		util.Fatal("failed to open transcript store", "backend", cfg.StoreBackend, "err", err)
	}

	generator, err := ai.NewTextGenerator(ai.GeneratorConfig{
		Provider:    cfg.LLMProvider,
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: *cfg.LLMTemperature,
		Timeout:     cfg.LLMTimeout,
	})
	if err != nil {
		util.Fatal("failed to init text generator", "provider", cfg.LLMProvider, "err", err)
	}

	appCfg := app.Config{
		Store:        transcripts,
		Generator:    generator,
		StoreTimeout: cfg.StoreTimeout,
		LLMTimeout:   cfg.LLMTimeout,
		OCRTimeout:   cfg.OCRTimeout,
	}
	if cfg.VisionAPIKey != "" {
		visionClient, err := ocr.NewClient(ocr.Config{
			APIKey:   cfg.VisionAPIKey,
			Endpoint: cfg.VisionEndpoint,
			Timeout:  cfg.OCRTimeout,
		})
		if err != nil {
			util.Fatal("failed to init ocr client", "err", err)
		}
		appCfg.OCR = visionClient
	} else {
		logger.Warn("GOOGLE_VISION_API_KEY not set; extract-from-image will fail")
	}
	if cfg.MinioEndpoint != "" {
		archive, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
		appCfg.Archive = archive
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	serverCfg := server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	serverCfg.TrustedProxies, err = util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to connect redis", "addr", cfg.RedisAddr, "err", err)
		}
		serverCfg.SummarizeLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "mednote:ratelimit:summarize", cfg.SummarizeRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init summarize limiter", "err", err)
		}
		serverCfg.OCRLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "mednote:ratelimit:ocr", cfg.OCRRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init ocr limiter", "err", err)
		}
	}

	httpServer, err := server.New(serverCfg)
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("transcript server listening", "addr", addr, "store", cfg.StoreBackend, "llm_provider", cfg.LLMProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := transcripts.Close(closeCtx); err != nil {
		logger.Error("close transcript store", "err", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := shutdownTracing(closeCtx); err != nil {
		logger.Error("shutdown tracing", "err", err)
	}
	logger.Info("transcript server stopped")
}

func openStore(ctx context.Context, cfg config.FileConfig) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.NewMongoStore(connectCtx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	case config.StorePostgres:
		return store.NewGormStore(cfg.DatabaseURL)
	case config.StoreSQLite:
		return store.NewSQLiteStore(cfg.SQLitePath)
	default:
		slog.Warn("using in-memory transcript store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
}
