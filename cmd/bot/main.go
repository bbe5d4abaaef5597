package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/moekira/selfiebot/internal/config"
	"github.com/moekira/selfiebot/internal/imagegen"
	"github.com/moekira/selfiebot/internal/logger"
	"github.com/moekira/selfiebot/internal/planner"
	"github.com/moekira/selfiebot/internal/selfie"
	"github.com/moekira/selfiebot/internal/store"
	"github.com/moekira/selfiebot/internal/telegram"
)

func main() {
	// Parse command line flags
	debug := flag.Bool("debug", false, "Enable debug logging")
	configPath := flag.String("config", "", "Path to config file (yaml/toml/json)")
	flag.Parse()

	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		logger.Info("Warning: No .env file found or error loading it")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	// Initialize logger (the -debug flag wins over the config file)
	logger.Init(*debug || cfg.LogDebug)

	logger.Info("Starting selfie bot...")
	if logger.IsDebugEnabled() {
		logger.Debug("Configuration loaded: token=%v data_dir=%s scope=%s rate_limit=%v llm_model=%s image_model=%s",
			cfg.Telegram.Token != "", cfg.DataDir, cfg.Selfie.BaseImageScope,
			cfg.Selfie.RateLimitEnabled, cfg.LLM.Model, cfg.Image.Model)
	}

	// Validate required settings
	if cfg.Telegram.Token == "" {
		logger.Error("telegram.token (or TG_BOT_TOKEN) is required")
		os.Exit(1)
	}

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	logger.Info("Initializing services...")

	contentStore, err := store.New(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to initialize content store: %v", err)
		os.Exit(1)
	}

	planService := planner.New(cfg.LLM)
	imageService := imagegen.New(cfg.Image.Provider)

	// Initialize Telegram adapter
	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.AdminUserIDs)
	if err != nil {
		logger.Error("Failed to initialize Telegram bot: %v", err)
		os.Exit(1)
	}

	now := func() float64 { return float64(time.Now().UnixNano()) / 1e9 }
	action := selfie.NewAction(cfg, contentStore, planService, imageService, bot, bot, bot, now)
	command := selfie.NewCommand(cfg, contentStore, bot, bot, bot)
	bot.Attach(action, command)

	// Start the bot
	logger.Info("Starting bot...")
	go bot.Start(ctx)

	// Set up graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	<-quit
	logger.Info("Shutting down bot...")
	cancel()

	// Create a context with timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	bot.Stop(shutdownCtx)

	logger.Info("Bot has been shut down")
}
