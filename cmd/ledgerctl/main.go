package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-ledger/internal/logger"
	"github.com/dvloznov/finance-ledger/internal/notify"
	"github.com/dvloznov/finance-ledger/internal/service"
	"github.com/dvloznov/finance-ledger/internal/store"
	bqstore "github.com/dvloznov/finance-ledger/internal/store/bigquery"
	gcsstore "github.com/dvloznov/finance-ledger/internal/store/gcs"
	"github.com/dvloznov/finance-ledger/internal/store/inmemory"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "report":
		runReport(log)
	case "cleanup":
		runCleanup(log)
	case "dedupe-scan":
		runDedupeScan(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Finance Ledger CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  ledgerctl <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  report       Print a read-only link integrity report")
	fmt.Println("  cleanup      Clear orphaned transfer links")
	fmt.Println("  dedupe-scan  Scan the stored ledger for duplicate pairs")
	fmt.Println("  help         Show this help message")
	fmt.Println("\nRun 'ledgerctl <command> -h' for more information on a command.")
}

// storeFlags registers the shared backend-selection flags on fs.
func storeFlags(fs *flag.FlagSet) (kind, bucket, prefix, project, dataset *string) {
	kind = fs.String("store", envOr("LEDGER_STORE", "memory"), "ledger store backend: memory, gcs or bigquery")
	bucket = fs.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for the gcs store")
	prefix = fs.String("prefix", envOr("GCS_PREFIX", ""), "object prefix for the gcs store")
	project = fs.String("project", os.Getenv("GCP_PROJECT"), "GCP project for the bigquery store")
	dataset = fs.String("dataset", envOr("BQ_DATASET", "finance"), "BigQuery dataset for the bigquery store")
	return
}

func openService(ctx context.Context, log zerolog.Logger, kind, bucket, prefix, project, dataset string) (*service.Service, store.Store) {
	st, err := buildStore(ctx, kind, bucket, prefix, project, dataset)
	if err != nil {
		log.Fatal().Err(err).Str("store", kind).Msg("Failed to create ledger store")
	}

	opts := []service.Option{service.WithLogger(log)}
	if token, db := os.Getenv("NOTION_TOKEN"), os.Getenv("NOTION_INTEGRITY_DB"); token != "" && db != "" {
		opts = append(opts, service.WithSink(notify.NewNotionSink(notify.NewNotionClient(token), db)))
	}
	return service.New(st, opts...), st
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

func runReport(log zerolog.Logger) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	kind, bucket, prefix, project, dataset := storeFlags(fs)
	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	svc, st := openService(ctx, log, *kind, *bucket, *prefix, *project, *dataset)
	defer st.Close()

	report, err := svc.DiagnoseLinkIntegrity(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Diagnosis failed")
	}

	fmt.Println("\n=== Link Integrity Report ===")
	fmt.Printf("Generated:    %s\n", report.GeneratedAt)
	fmt.Printf("Transactions: %d\n", report.Transactions)
	fmt.Printf("Status:       %s\n", report.Summary())

	if len(report.Orphans) > 0 {
		fmt.Printf("\nOrphaned links (%d):\n", len(report.Orphans))
		for _, o := range report.Orphans {
			fmt.Printf("  %s %s -> missing partner %s\n", o.TransactionID, o.Field, o.Target)
		}
	}
	if len(report.OneWay) > 0 {
		fmt.Printf("\nOne-way links (%d):\n", len(report.OneWay))
		for _, o := range report.OneWay {
			fmt.Printf("  %s %s -> %s (no back-reference)\n", o.FromID, o.Field, o.ToID)
		}
	}
	fmt.Println()
}

func runCleanup(log zerolog.Logger) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	kind, bucket, prefix, project, dataset := storeFlags(fs)
	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	svc, st := openService(ctx, log, *kind, *bucket, *prefix, *project, *dataset)
	defer st.Close()

	result, err := svc.ManualCleanup(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Cleanup failed")
	}

	fmt.Printf("Cleared %d orphaned links.\n", result.Fixed)
}

func runDedupeScan(log zerolog.Logger) {
	fs := flag.NewFlagSet("dedupe-scan", flag.ExitOnError)
	kind, bucket, prefix, project, dataset := storeFlags(fs)
	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	svc, st := openService(ctx, log, *kind, *bucket, *prefix, *project, *dataset)
	defer st.Close()

	pairs, err := svc.StoredDuplicates(ctx, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Duplicate scan failed")
	}

	fmt.Printf("\n=== Stored Duplicates (%d pairs) ===\n", len(pairs))
	for i, p := range pairs {
		fmt.Printf("\n%d. %s <-> %s\n", i+1, p.A.ID, p.B.ID)
		fmt.Printf("   Similarity: %.2f (%s)\n", p.Similarity, p.MatchType)
		fmt.Printf("   %s | %s | %s\n", p.A.Date, p.A.Amount.StringFixed(2), p.A.Description)
		fmt.Printf("   %s | %s | %s\n", p.B.Date, p.B.Amount.StringFixed(2), p.B.Description)
	}
	fmt.Println()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
