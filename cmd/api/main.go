package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-ledger/internal/api/handlers"
	"github.com/dvloznov/finance-ledger/internal/api/middleware"
	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/dvloznov/finance-ledger/internal/notify"
	"github.com/dvloznov/finance-ledger/internal/service"
	"github.com/dvloznov/finance-ledger/internal/store"
	bqstore "github.com/dvloznov/finance-ledger/internal/store/bigquery"
	gcsstore "github.com/dvloznov/finance-ledger/internal/store/gcs"
	"github.com/dvloznov/finance-ledger/internal/store/inmemory"
)

func main() {
	// Parse command-line flags
	var (
		port      = flag.String("port", "8080", "HTTP server port")
		storeKind = flag.String("store", envOr("LEDGER_STORE", "memory"), "ledger store backend: memory, gcs or bigquery")
		bucket    = flag.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for the gcs store (or set GCS_BUCKET)")
		prefix    = flag.String("prefix", envOr("GCS_PREFIX", ""), "object prefix for the gcs store")
		project   = flag.String("project", os.Getenv("GCP_PROJECT"), "GCP project for the bigquery store (or set GCP_PROJECT)")
		dataset   = flag.String("dataset", envOr("BQ_DATASET", "finance"), "BigQuery dataset for the bigquery store")

		notionToken = flag.String("notion-token", os.Getenv("NOTION_TOKEN"), "Notion API token for the diagnostic sink (optional)")
		notionDB    = flag.String("notion-db", os.Getenv("NOTION_INTEGRITY_DB"), "Notion database ID for integrity reports (optional)")

		transferWindow = flag.Int("transfer-window", 7, "transfer matching window in days")
	)
	flag.Parse()

	// Initialize logger
	log := logger.New()

	ctx := context.Background()

	st, err := buildStore(ctx, *storeKind, *bucket, *prefix, *project, *dataset)
	if err != nil {
		log.Fatal().Err(err).Str("store", *storeKind).Msg("Failed to create ledger store")
	}
	defer st.Close()

	sink := buildSink(log, *notionToken, *notionDB)

	cfg := ledger.DefaultMatchConfig()
	cfg.TransferWindowDays = *transferWindow

	svc := service.New(st,
		service.WithLogger(log),
		service.WithSink(sink),
		service.WithMatchConfig(cfg),
	)

	// Create router
	mux := http.NewServeMux()
	ledgerHandler := handlers.NewLedgerHandler(svc, log)
	ledgerHandler.Routes(mux)

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(mux),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", *port).Str("store", *storeKind).Msg("Starting ledger API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func buildStore(ctx context.Context, kind, bucket, prefix, project, dataset string) (store.Store, error) {
	switch kind {
	case "memory":
		return inmemory.NewStore(), nil
	case "gcs":
		if bucket == "" {
			return nil, fmt.Errorf("gcs store requires -bucket")
		}
		return gcsstore.NewStore(ctx, bucket, prefix)
	case "bigquery":
		if project == "" {
			return nil, fmt.Errorf("bigquery store requires -project")
		}
		return bqstore.NewStore(ctx, project, dataset)
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

func buildSink(log zerolog.Logger, notionToken, notionDB string) notify.Sink {
	if notionToken != "" && notionDB != "" {
		log.Info().Msg("Publishing integrity reports to Notion")
		return notify.NewNotionSink(notify.NewNotionClient(notionToken), notionDB)
	}
	return notify.NewLogSink(log)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
