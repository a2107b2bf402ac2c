package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/oauth2/clientcredentials"

	"email-triage/internal/cache"
	"email-triage/internal/classifier"
	"email-triage/internal/config"
	"email-triage/internal/database"
	"email-triage/internal/learning"
	"email-triage/internal/llm"
	"email-triage/internal/mail"
	"email-triage/internal/ratelimit"
	"email-triage/internal/workers"
)

// app holds the wired collaborators behind every subcommand.
type app struct {
	logger *slog.Logger
	cfg    *config.Manager
	db     *database.DB
	limits *ratelimit.Registry
	mail   mail.Client
	llm    llm.Client

	classifier *classifier.Classifier
	queue      *workers.QueueProcessor
	tracker    *workers.WaitingForTracker
	learner    *learning.Learner
	digest     *workers.DigestGenerator
	migrator   *workers.IDMigrator
	categories *workers.CategoryBootstrapper
}

// engineOptions are the per-command knobs for building a triage engine.
type engineOptions struct {
	dryRun        bool
	maxMessages   int
	sampleSize    int
	lookbackHours int
}

// buildApp wires the full dependency graph from config and environment.
func buildApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	path := config.ResolvePath(configFlag, defaultConfigPath)
	cfgManager, err := config.NewManager(path, logger)
	if err != nil {
		return nil, err
	}
	cfg := cfgManager.Get()

	db, err := database.Open(databasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	limits := ratelimit.NewRegistry()
	claudeRate := cfg.Models.RequestsPerMinute / 60
	claudeBurst := cfg.Models.RequestsPerMinute
	if claudeBurst > 10 {
		claudeBurst = 10
	}
	claudeBucket := limits.Register(ratelimit.BucketClaudeAPI, claudeRate, claudeBurst)

	creds := clientcredentials.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: os.Getenv("ASSISTANT_CLIENT_SECRET"),
		TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token",
			cfg.Auth.TenantID),
		Scopes: []string{"https://graph.microsoft.com/.default"},
	}
	mailClient := mail.NewGraphClient(
		creds.TokenSource(ctx),
		limits.Named(ratelimit.BucketMSGraph), logger)

	llmClient := llm.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), claudeBucket, logger)

	a := &app{
		logger: logger,
		cfg:    cfgManager,
		db:     db,
		limits: limits,
		mail:   mailClient,
		llm:    llmClient,
	}

	a.classifier = classifier.New(llmClient, db.Audit, logger)
	a.queue = workers.NewQueueProcessor(db, mailClient, logger)
	sentItems := cache.NewSentItemsCache(mailClient, logger)
	a.tracker = workers.NewWaitingForTracker(db, sentItems, logger)
	a.learner = learning.NewLearner(llmClient, db.Suggestions, db.Emails, db.State, db.Audit, logger)
	a.digest = workers.NewDigestGenerator(db, llmClient, logger, nil)
	a.migrator = workers.NewIDMigrator(db, mailClient, logger)
	a.categories = workers.NewCategoryBootstrapper(db, mailClient, logger)
	return a, nil
}

func (a *app) newEngine(opts engineOptions) *workers.Engine {
	return workers.NewEngine(workers.EngineParams{
		Config:        a.cfg,
		DB:            a.db,
		Mail:          a.mail,
		Classifier:    a.classifier,
		Queue:         a.queue,
		Tracker:       a.tracker,
		Learner:       a.learner,
		Digest:        a.digest,
		Logger:        a.logger,
		DryRun:        opts.dryRun,
		MaxMessages:   opts.maxMessages,
		SampleSize:    opts.sampleSize,
		LookbackHours: opts.lookbackHours,
	})
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}
