package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ttoman/tt-wordwise/internal/app"
	"github.com/ttoman/tt-wordwise/internal/autosave"
	"github.com/ttoman/tt-wordwise/internal/blob"
	"github.com/ttoman/tt-wordwise/internal/config"
	"github.com/ttoman/tt-wordwise/internal/gitrepo"
	"github.com/ttoman/tt-wordwise/internal/grammar"
	"github.com/ttoman/tt-wordwise/internal/metrics"
	"github.com/ttoman/tt-wordwise/internal/notify"
	"github.com/ttoman/tt-wordwise/internal/search"
	"github.com/ttoman/tt-wordwise/internal/session"
	"github.com/ttoman/tt-wordwise/internal/spell"
	"github.com/ttoman/tt-wordwise/internal/store"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.Addr = addr
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides API_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	documents, err := openDocuments(ctx, cfg, db)
	if err != nil {
		return err
	}

	state, err := openState(cfg)
	if err != nil {
		return err
	}
	defer state.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.New(registry)
	if err != nil {
		return err
	}

	bus := notify.NewBus()
	hub := app.NewEventHub(cfg.CORSOrigin)
	unsubscribe := bus.Subscribe(hub.Publish)
	defer unsubscribe()
	defer hub.Close()

	oracle, err := grammar.NewOpenAIClient(grammar.OpenAIOptions{
		BaseURL:         cfg.Grammar.BaseURL,
		Model:           cfg.Grammar.Model,
		APIKey:          cfg.Grammar.APIKey,
		Timeout:         cfg.Grammar.Timeout,
		InputTokenRate:  cfg.Grammar.InputTokenRate,
		OutputTokenRate: cfg.Grammar.OutputTokenRate,
		MaxSentenceLen:  cfg.Grammar.MaxSentenceLen,
	})
	if err != nil {
		return fmt.Errorf("grammar oracle: %w", err)
	}
	checker, err := grammar.NewChecker(ctx, oracle, grammar.CheckerOptions{
		MaxSentenceLen:   cfg.Grammar.MaxSentenceLen,
		ThrottleInterval: cfg.Grammar.ThrottleInterval,
		CacheSize:        cfg.Grammar.CacheSize,
		CacheTTL:         cfg.Grammar.CacheTTL,
		HourlyCostLimit:  cfg.Grammar.HourlyCostLimit,
		DailyBudget:      cfg.Grammar.DailyBudget,
		BudgetWarnRatio:  cfg.Grammar.BudgetWarnRatio,
		TokenRate:        cfg.Grammar.TokenRate,
		Store:            state,
		Events:           bus,
		Metrics:          recorder,
	})
	if err != nil {
		return fmt.Errorf("grammar checker: %w", err)
	}

	spellCache, err := spell.NewCache(ctx, cfg.Spell.CacheSize, state)
	if err != nil {
		return fmt.Errorf("spell cache: %w", err)
	}

	opts := app.Options{
		Documents:      documents,
		State:          state,
		Grammar:        checker,
		GrammarIdle:    cfg.Grammar.IdleDelay,
		MinSentenceLen: cfg.Grammar.MinSentenceLen,
		SpellOracle:    spellOracle(cfg.Spell),
		SpellCache:     spellCache,
		Autosave: autosave.Options{
			Delay:           cfg.Autosave.Delay,
			MinContentDelta: cfg.Autosave.MinContentDelta,
			MaxRetries:      cfg.Autosave.MaxRetries,
			RetryBaseDelay:  cfg.Autosave.RetryBaseDelay,
			SavedDisplay:    cfg.Autosave.SavedDisplay,
			SaveTimeout:     cfg.Autosave.SaveTimeout,
		},
		SessionTTL: cfg.SessionTTL,
		Events:     bus,
		Metrics:    recorder,
	}

	if dir := strings.TrimSpace(cfg.HistoryDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
		opts.History = gitrepo.New(dir)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db)).WithLoader(func(ctx context.Context) ([]search.DocumentRecord, error) {
		docs, err := documents.ListDocuments(ctx)
		if err != nil {
			return nil, err
		}
		records := make([]search.DocumentRecord, 0, len(docs))
		for _, doc := range docs {
			records = append(records, search.DocumentRecord{ID: doc.ID, Title: doc.Title, Content: doc.Content})
		}
		return records, nil
	})
	opts.Search = searchService

	service := app.New(opts)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin).
		WithEvents(hub).
		WithMetrics(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Wordwise API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		searchService.ReindexAll(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := service.Shutdown(shutdownCtx); err != nil {
			log.Printf("autosave flush error: %v", err)
		}
		return nil
	})
	return g.Wait()
}

func openDocuments(ctx context.Context, cfg config.Config, db *sql.DB) (app.DocumentStore, error) {
	switch cfg.PersistenceBackend {
	case "", "postgres":
		return store.NewPostgresStore(db), nil
	case "s3":
		gateway, err := blob.NewMinio(ctx, blob.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("object storage: %w", err)
		}
		return gateway, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.PersistenceBackend)
	}
}

func openState(cfg config.Config) (session.Store, error) {
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for ledgers and caches")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return redisStore, nil
	}
	log.Printf("Using %s for ledgers and caches", cfg.StateDir)
	fileStore, err := session.NewFileStore(afero.NewOsFs(), cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	return fileStore, nil
}

func spellOracle(cfg config.SpellConfig) spell.Oracle {
	if strings.TrimSpace(cfg.OracleURL) != "" {
		return spell.NewHTTPOracle(cfg.OracleURL, cfg.Timeout)
	}
	return spell.NewDictionary(afero.NewOsFs(), cfg.DictionaryPath)
}
