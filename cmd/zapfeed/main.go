package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/sandwichfarm/zapfeed/internal/config"
	"github.com/sandwichfarm/zapfeed/internal/feed"
	"github.com/sandwichfarm/zapfeed/internal/lnurl"
	"github.com/sandwichfarm/zapfeed/internal/ops"
	"github.com/sandwichfarm/zapfeed/internal/profiles"
	"github.com/sandwichfarm/zapfeed/internal/relay"
	"github.com/sandwichfarm/zapfeed/internal/subs"
	"github.com/sandwichfarm/zapfeed/internal/validate"
	"github.com/sandwichfarm/zapfeed/internal/wallet"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	// Define subcommands
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("zapfeed %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("zapfeed - Nostr zap feed synchronization engine")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  zapfeed init              Generate example configuration")
		fmt.Println("  zapfeed --version         Show version information")
		fmt.Println("  zapfeed --config <path>   Start with configuration file")
		os.Exit(1)
	}

	// Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting zapfeed %s\n", version)
	fmt.Printf("  Site: %s\n", cfg.Site.Title)
	fmt.Printf("  Operator: %s\n", cfg.Site.Operator)
	fmt.Printf("  Feed tag: %s\n", cfg.Feed.Tag)
	fmt.Println()

	// Run the application
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	logger.LogStartup(version, commit)

	// Relay pool shared by queries, subscriptions, and publishes
	fmt.Println("Connecting relay pool...")
	client := relay.New(ctx, &cfg.Relays, logger)
	defer client.Close()
	fmt.Printf("  Seed relays: %d\n", len(client.Relays()))

	// Feed engine: store, profile cache, loader, receipt batcher
	fmt.Println("Initializing feed engine...")
	store := feed.NewStore()
	cache := profiles.NewCache(client, logger)
	service := feed.NewService(ctx, cfg, client, store, cache, logger)
	defer service.Close()
	fmt.Println("  Feed engine ready")

	// Live subscriptions reconcile against every feed state change
	fmt.Println("Starting subscription manager...")
	manager := subs.NewManager(ctx, cfg, client, logger,
		service.ProcessNewNote, service.ProcessReceiptEvent)
	unsubscribe := store.Subscribe(manager.Reconcile)
	defer unsubscribe()
	defer manager.Close()
	fmt.Println("  Subscription manager ready")

	// Background claim verification for addresses and nip05 proofs
	fmt.Println("Starting validation pipeline...")
	httpTimeout := time.Duration(cfg.Validation.HTTPTimeoutMs) * time.Millisecond
	resolver := lnurl.NewClient(httpTimeout)
	pipeline := validate.NewPipeline(ctx, resolver, store, httpTimeout, logger)
	pipeline.Start()
	defer pipeline.Close()
	fmt.Println("  Validation pipeline ready")

	// Wallet connection (optional)
	if cfg.Wallet.ConnectURI != "" {
		fmt.Println("Connecting wallet...")
		walletClient, err := wallet.New(ctx, &cfg.Wallet, logger)
		if err != nil {
			return fmt.Errorf("failed to connect wallet: %w", err)
		}
		service.SetPaymentClients(resolver, walletClient, nil)

		if balance, err := walletClient.GetBalance(ctx); err != nil {
			fmt.Printf("  ⚠ Wallet balance unavailable: %v\n", err)
		} else {
			fmt.Printf("  Wallet balance: %d msat\n", balance)
		}
	}

	// Resolve the viewer's following list when an identity is configured
	mode := feed.ModeGlobal
	if cfg.Identity.Npub != "" {
		pubkey, err := decodeNpub(cfg.Identity.Npub)
		if err != nil {
			return fmt.Errorf("invalid identity.npub: %w", err)
		}
		if err := service.LoadFollowing(ctx, pubkey); err != nil {
			fmt.Printf("  ⚠ Could not load following list: %v\n", err)
		} else if following := store.Snapshot().Following; len(following) > 0 {
			fmt.Printf("  Following %d authors\n", len(following))
			mode = feed.ModeFollowing
		}
	}

	fmt.Printf("Loading %s feed...\n", mode)
	if err := service.LoadPosts(ctx, mode); err != nil {
		return fmt.Errorf("initial feed load failed: %w", err)
	}
	fmt.Printf("  Posts: %d\n", len(store.Snapshot().Posts))

	fmt.Println()
	fmt.Println("✓ Feed synchronized and live!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	fmt.Println("Shutting down gracefully...")
	logger.LogShutdown("signal")

	fmt.Println("✓ Shutdown complete")
	return nil
}

func decodeNpub(npub string) (string, error) {
	prefix, value, err := nip19.Decode(npub)
	if err != nil {
		return "", err
	}
	if prefix != "npub" {
		return "", fmt.Errorf("expected an npub, got %s", prefix)
	}
	return value.(string), nil
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	// Write to stdout
	fmt.Print(string(exampleConfig))
}
