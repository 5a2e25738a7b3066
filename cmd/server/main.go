package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"plebchat-backend/internal/auth/nip98"
	"plebchat-backend/internal/common/logger"
	"plebchat-backend/internal/common/middleware"
	"plebchat-backend/internal/config"
	adminHTTP "plebchat-backend/internal/features/admin/delivery/http"
	walletHTTP "plebchat-backend/internal/features/wallet/delivery/http"
	redisLedger "plebchat-backend/internal/features/wallet/repository/redis"
	"plebchat-backend/internal/features/wallet/service"
	"plebchat-backend/internal/platform/lnurl"
	"plebchat-backend/internal/platform/mint"
	"plebchat-backend/internal/platform/redis"
)

const serviceName = "plebchat-backend"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(serviceName, cfg.Debug)
	log := logger.With("main")

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Error().Msg(e)
		}
		log.Fatal().Msg("Configuration invalid, refusing to start")
	}

	log.Info().Bool("debug", cfg.Debug).Str("mint", cfg.Wallet.MintURL).Msg("Starting plebchat backend")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	redisClient, err := redis.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	ledger := redisLedger.NewLedger(redisClient.Client)

	// A counter regression means the store lost writes after secrets were
	// derived. Serving payments on top of that risks secret reuse, so the
	// process refuses to start.
	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = ledger.VerifyIntegrity(startupCtx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Wallet ledger failed integrity check")
	}

	deriver, err := mint.NewDeriver(strings.TrimSpace(cfg.Wallet.Mnemonic))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize seed derivation")
	}

	mintTimeout := time.Duration(cfg.Wallet.MintTimeoutSeconds) * time.Second
	var gateways []service.MintGateway
	for mintURL := range cfg.TrustedMintSet() {
		gateways = append(gateways, mint.NewClient(mintURL, deriver, mintTimeout))
	}
	resolver := service.StaticGateways(gateways)

	validator := service.NewTokenValidator(cfg.TrustedMintSet())
	coordinator := service.NewCoordinator(ledger, resolver, cfg.Wallet.MintURL)
	gate := service.NewPaymentGate(validator, resolver, coordinator)

	lnurlClient := lnurl.NewClient(mintTimeout)
	payouts := service.NewPayoutScheduler(
		coordinator,
		lnurlClient,
		cfg.Payout.LightningAddress,
		cfg.Payout.ThresholdSats,
		time.Duration(cfg.Payout.IntervalSeconds)*time.Second,
	)
	if cfg.PayoutEnabled() {
		payouts.Start()
		defer payouts.Stop()
	} else {
		log.Info().Msg("Automatic payouts disabled (no PAYOUT_LN_ADDRESS)")
	}

	verifier, err := nip98.NewVerifier(cfg.Admin.Npubs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse admin pubkeys")
	}
	if !verifier.Enabled() {
		log.Warn().Msg("No admin pubkeys configured, admin API is locked")
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.Server.Origin}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization", "Accept", "X-Request-ID"}
	router.Use(cors.New(corsConfig))

	api := router.Group("/api/v1")
	walletHTTP.NewHandler(gate, coordinator).RegisterRoutes(api)
	adminHTTP.NewHandler(verifier, coordinator, payouts, ledger, validator).RegisterRoutes(api)

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"service":   serviceName,
		})
	}
	router.GET("/", health)
	router.GET("/health", health)
	router.GET("/ready", func(c *gin.Context) {
		checkCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.Ping(checkCtx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unready",
				"error":  "redis unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}
	log.Info().Msg("Server exited")
}
