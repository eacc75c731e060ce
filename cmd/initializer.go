package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"clubBack/internal/billing/archive"
	"clubBack/internal/billing/dedupe"
	"clubBack/internal/billing/memstore"
	"clubBack/internal/billing/metrics"
	"clubBack/internal/billing/pay"
	"clubBack/internal/billing/reconcile"
	"clubBack/internal/config"
	"clubBack/internal/handlers"
	"clubBack/internal/repositories"
	"clubBack/internal/services"
	"clubBack/utils"
)

type application struct {
	errorLog       *log.Logger
	infoLog        *log.Logger
	logger         *slog.Logger
	db             *sql.DB
	rdb            *redis.Client
	tokens         *utils.Manager
	metrics        *metrics.Metrics
	journal        journalPurger
	paymentHandler *handlers.PaymentHandler
}

type journalPurger interface {
	PurgeProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

type webhookJournal interface {
	services.WebhookJournal
	journalPurger
}

// billingStores groups the persistence the billing module needs so SQL and
// in-memory backends are wired the same way.
type billingStores struct {
	ledger     reconcile.LedgerStore
	enrollment reconcile.EnrollmentStore
	children   services.ChildDirectory
	groups     services.GroupDirectory
	invoices   services.InvoiceHistory
	journal    webhookJournal
}

func initializeApp(ctx context.Context, cfg config.Config, logger *slog.Logger, errorLog, infoLog *log.Logger) (*application, func(), error) {
	app := &application{
		errorLog: errorLog,
		infoLog:  infoLog,
		logger:   logger,
		metrics:  metrics.New(),
	}
	cleanup := func() {
		if app.rdb != nil {
			app.rdb.Close()
		}
		if app.db != nil {
			app.db.Close()
		}
	}
	fail := func(err error) (*application, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	tokens, err := utils.NewManager(cfg.Auth.JWTSecret)
	if err != nil {
		return fail(fmt.Errorf("jwt: %w", err))
	}
	app.tokens = tokens

	stores, err := app.openStores(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	app.journal = stores.journal

	gateway, err := pay.NewClient(pay.ClientConfig{
		SecretKey:     cfg.Billing.SecretKey,
		WebhookSecret: cfg.Billing.WebhookSecret,
		BaseURL:       cfg.Billing.APIBaseURL,
		Tolerance:     cfg.Billing.SignatureTolerance,
		Logger:        logger.With("component", "billing_gateway"),
		Observe:       app.metrics.ObserveGateway,
	})
	if err != nil {
		return fail(err)
	}

	engine, err := reconcile.NewEngine(reconcile.Config{
		Ledger:     stores.ledger,
		Enrollment: stores.enrollment,
		Logger:     logger.With("component", "reconcile"),
	})
	if err != nil {
		return fail(err)
	}
	router, err := reconcile.New(engine)
	if err != nil {
		return fail(err)
	}

	archiver, err := app.openArchive(cfg)
	if err != nil {
		return fail(err)
	}

	webhookService, err := services.NewWebhookService(services.WebhookConfig{
		Verifier: gateway,
		Router:   router,
		Dedupe:   app.openDedupe(ctx, cfg),
		Journal:  stores.journal,
		Archive:  archiver,
		Metrics:  app.metrics,
		Logger:   logger.With("component", "webhook"),
	})
	if err != nil {
		return fail(err)
	}

	paymentService, err := services.NewPaymentService(services.PaymentConfig{
		Gateway:  gateway,
		Children: stores.children,
		Groups:   stores.groups,
		Invoices: stores.invoices,
		Timeout:  cfg.Billing.Timeout,
		Logger:   logger.With("component", "payment"),
	})
	if err != nil {
		return fail(err)
	}

	app.paymentHandler = handlers.NewPaymentHandler(webhookService, paymentService, logger.With("component", "payment_http"))
	return app, cleanup, nil
}

func (app *application) openStores(ctx context.Context, cfg config.Config) (billingStores, error) {
	if cfg.Database.Driver == "memory" {
		app.infoLog.Println("Using in-memory billing store")
		store := memstore.New()
		return billingStores{
			ledger:     store,
			enrollment: store,
			children:   store,
			groups:     store,
			invoices:   store,
			journal:    store,
		}, nil
	}

	dialect, err := repositories.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return billingStores{}, err
	}
	db, err := openDB(dialect, cfg.Database.URL)
	if err != nil {
		return billingStores{}, err
	}
	app.db = db

	if err := repositories.EnsureSchema(ctx, db, dialect); err != nil {
		return billingStores{}, err
	}

	children := repositories.NewChildrenRepo(db, dialect)
	invoices := repositories.NewInvoiceRepo(db, dialect)
	return billingStores{
		ledger:     invoices,
		enrollment: children,
		children:   children,
		groups:     repositories.NewGroupRepo(db, dialect),
		invoices:   invoices,
		journal:    repositories.NewWebhookRepo(db, dialect),
	}, nil
}

func (app *application) openDedupe(ctx context.Context, cfg config.Config) dedupe.Store {
	if cfg.Redis.Addr == "" {
		app.infoLog.Println("REDIS_ADDR not set, webhook dedupe is process-local")
		return dedupe.NewMemory(cfg.Billing.DedupeTTL, cfg.Billing.ProcessingTTL)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		app.errorLog.Printf("redis %s unavailable, webhook dedupe is process-local: %v", cfg.Redis.Addr, err)
		rdb.Close()
		return dedupe.NewMemory(cfg.Billing.DedupeTTL, cfg.Billing.ProcessingTTL)
	}
	app.rdb = rdb
	app.infoLog.Printf("Connected to redis %s", cfg.Redis.Addr)
	return dedupe.NewRedis(rdb, cfg.Billing.DedupeTTL, cfg.Billing.ProcessingTTL)
}

func (app *application) openArchive(cfg config.Config) (archive.Archiver, error) {
	if !cfg.Archive.Enabled {
		return archive.Nop{}, nil
	}
	s3cfg := utils.S3Config{
		Bucket:    cfg.Archive.Bucket,
		Region:    cfg.Archive.Region,
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
	}
	client, err := utils.NewS3Client(s3cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	app.infoLog.Printf("Archiving webhook payloads to %s", utils.ObjectURL(s3cfg, cfg.Archive.Prefix))
	return archive.NewS3(client, s3cfg, cfg.Archive.Prefix), nil
}
