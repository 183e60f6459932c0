// Package main exports the offboarding audit log as CSV or JSON, optionally
// archiving the export to S3 and verifying the hash chain first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/onnwee/offboard/internal/audit"
	"github.com/onnwee/offboard/internal/casestore"
	"github.com/onnwee/offboard/internal/config"
	"github.com/onnwee/offboard/internal/db"
	"github.com/onnwee/offboard/internal/middleware"
)

type options struct {
	format  string
	email   string
	caseID  string
	action  string
	from    string
	to      string
	limit   int
	out     string
	archive bool
	verify  bool
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	var opts options
	flag.StringVar(&opts.format, "format", string(audit.ExportFormatCSV), "export format: csv or json")
	flag.StringVar(&opts.email, "email", "", "only entries for this target email")
	flag.StringVar(&opts.caseID, "case", "", "only entries for this case ID")
	flag.StringVar(&opts.action, "action", "", "only entries with this action")
	flag.StringVar(&opts.from, "from", "", "earliest entry time (RFC3339 or YYYY-MM-DD)")
	flag.StringVar(&opts.to, "to", "", "latest entry time (RFC3339 or YYYY-MM-DD)")
	flag.IntVar(&opts.limit, "limit", 0, "maximum number of entries (0 = all)")
	flag.StringVar(&opts.out, "out", "", "output file (default stdout)")
	flag.BoolVar(&opts.archive, "archive", false, "upload the export to the configured S3 bucket")
	flag.BoolVar(&opts.verify, "verify", false, "verify the audit hash chain before exporting")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Offboarding audit log export")
		fmt.Println()
		fmt.Println("Usage: auditexport [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	// Logs go to stderr so stdout stays a clean export.
	logger := middleware.NewLoggerTo(os.Stderr, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("audit export failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	format, err := audit.ParseExportFormat(opts.format)
	if err != nil {
		return err
	}
	filter, err := buildFilter(opts)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required to export the audit log")
	}
	if opts.archive && !cfg.HasArchive() {
		return errors.New("--archive requires ARCHIVE_BUCKET and ARCHIVE_REGION")
	}

	sqlDB, err := db.Open(ctx, db.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	repo := casestore.AuditLog{Store: casestore.NewPostgresStore(sqlDB)}

	if opts.verify {
		entries, err := repo.Query(ctx, audit.Filter{})
		if err != nil {
			return fmt.Errorf("load audit log: %w", err)
		}
		slices.Reverse(entries)
		if err := audit.VerifyChain(entries); err != nil {
			return err
		}
		logger.Info("audit hash chain verified", "entries", len(entries))
	}

	exportOpts := audit.ExportOptions{Format: format, Filter: filter}

	if opts.archive {
		archiver, err := audit.NewS3Archiver(audit.ArchiverConfig{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		key, err := archiver.Archive(ctx, repo, exportOpts)
		if err != nil {
			return err
		}
		logger.Info("audit export archived", "bucket", cfg.Archive.Bucket, "key", key)
		if opts.out == "" {
			return nil
		}
	}

	data, err := audit.Export(ctx, repo, exportOpts)
	if err != nil {
		return err
	}
	if opts.out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(opts.out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", opts.out, err)
	}
	logger.Info("audit export written", "path", opts.out, "bytes", len(data))
	return nil
}

func buildFilter(opts options) (audit.Filter, error) {
	filter := audit.Filter{
		CaseID: opts.caseID,
		Action: opts.action,
		Limit:  opts.limit,
	}
	if opts.email != "" {
		filter.TargetEmail = casestore.NormalizeEmail(opts.email)
	}
	var err error
	if filter.From, err = parseTime(opts.from, false); err != nil {
		return filter, fmt.Errorf("--from: %w", err)
	}
	if filter.To, err = parseTime(opts.to, true); err != nil {
		return filter, fmt.Errorf("--to: %w", err)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return filter, errors.New("--to is before --from")
	}
	return filter, nil
}

// parseTime accepts RFC3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
