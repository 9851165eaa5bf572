package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/maven/billing/internal/config"
	"github.com/maven/billing/internal/domain/accumulation"
	"github.com/maven/billing/internal/domain/bill"
	"github.com/maven/billing/internal/domain/billing"
	"github.com/maven/billing/internal/domain/ingestion"
	"github.com/maven/billing/internal/domain/money"
	"github.com/maven/billing/internal/platform/blobstore"
	"github.com/maven/billing/internal/platform/db"
	"github.com/maven/billing/internal/platform/gateway"
	"github.com/maven/billing/internal/platform/jobs"
	"github.com/maven/billing/internal/platform/middleware"
	"github.com/maven/billing/internal/platform/notification"
	"github.com/maven/billing/internal/platform/pgp"
	"github.com/maven/billing/internal/platform/sftpx"
	"github.com/maven/billing/internal/platform/telemetry"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "billing-worker",
		Short: "Billing ledger and accumulator pipeline worker",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(processBillsCmd())
	rootCmd.AddCommand(generateAccumulationCmd())
	rootCmd.AddCommand(ingestRawCmd())
	rootCmd.AddCommand(ingestParseCmd())
	rootCmd.AddCommand(processResponsesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// deps is the wired-up worker: everything a command or job handler needs.
type deps struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	metrics *telemetry.Provider

	billSvc    *bill.Service
	billingSvc *billing.Service
}

// employerRefundPolicy gates automatic processing of employer refund bills.
// Employer refunds go to manual review; member refunds are always automatic.
func employerRefundPolicy(context.Context, int64) (bool, error) {
	return false, nil
}

func buildServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	metrics := telemetry.NewProvider("billing-worker")
	gw := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)

	txRunner := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	}
	billSvc := bill.NewService(bill.NewRepoPG(pool), bill.NewProcessingRecordRepoPG(pool),
		gw, txRunner, metrics, logger)

	notifier := notification.NewDispatcher(notification.NewLogSender(logger), logger)
	billingSvc := billing.NewService(billSvc, notifier, employerRefundPolicy, logger)

	return &deps{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		metrics:    metrics,
		billSvc:    billSvc,
		billingSvc: billingSvc,
	}, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET is not configured")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return blobstore.NewGCSBlobStore(client, cfg.GCSBucket), nil
}

func dialSFTP(cfg *config.Config) (sftpx.Client, error) {
	var hostKeys ssh.HostKeyCallback
	if cfg.SFTPKnownHostsFile != "" {
		var err error
		hostKeys, err = knownhosts.New(cfg.SFTPKnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	} else if cfg.IsDev() {
		hostKeys = ssh.InsecureIgnoreHostKey()
	} else {
		return nil, fmt.Errorf("SFTP_KNOWN_HOSTS_FILE is required outside development")
	}
	return sftpx.Dial(sftpx.Config{
		Host:            cfg.SFTPHost,
		Port:            cfg.SFTPPort,
		Username:        cfg.SFTPUser,
		Password:        cfg.SFTPPassword,
		HostKeyCallback: hostKeys,
	})
}

func newDecryptor(cfg *config.Config) (*pgp.Decryptor, error) {
	key, err := os.ReadFile(cfg.PGPPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read pgp key: %w", err)
	}
	return pgp.NewDecryptor(key, []byte(cfg.PGPPassphrase))
}

func codecByName(name string) (accumulation.Codec, error) {
	switch strings.ToLower(name) {
	case "anthem":
		return accumulation.NewAnthemCodec(), nil
	case "credence":
		return accumulation.NewCredenceCodec(), nil
	case "esi":
		return accumulation.NewESICodec(), nil
	}
	return nil, fmt.Errorf("unknown payer %q", name)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker: job queue plus ops HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	d, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}
	defer d.pool.Close()
	logger.Info().Msg("connected to database")

	runner := jobs.NewRunner(logger, 4, 64)
	registerJobHandlers(runner, d)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runner.Start(runCtx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(middleware.BodyLimit("1M", "8M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(d.pool))
	e.GET("/metrics", d.metrics.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	registerBillingRoutes(apiV1, d)
	apiV1.POST("/jobs/:name", func(c echo.Context) error {
		var body struct {
			Args map[string]any `json:"args"`
		}
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid job body")
		}
		job := jobs.Job{Name: c.Param("name"), Args: body.Args}
		if err := runner.Submit(c.Request().Context(), job); err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]string{"status": "queued", "name": job.Name})
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting worker")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	cancel()
	runner.Stop()
	logger.Info().Msg("worker stopped")
	return nil
}

// memberBillingRequest is the JSON body for a member billing pass.
type memberBillingRequest struct {
	MemberID        int64  `json:"member_id"`
	ProcedureStatus string `json:"procedure_status"`

	CostBreakdownID             int64       `json:"cost_breakdown_id"`
	EmployerID                  int64       `json:"employer_id"`
	ClinicID                    int64       `json:"clinic_id"`
	TotalMemberResponsibility   money.Cents `json:"total_member_responsibility"`
	TotalEmployerResponsibility money.Cents `json:"total_employer_responsibility"`
	DeductibleApplied           money.Cents `json:"deductible_applied"`
	OutOfPocketApplied          money.Cents `json:"out_of_pocket_applied"`
}

func registerBillingRoutes(g *echo.Group, d *deps) {
	g.GET("/bills/:id", func(c echo.Context) error {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid bill id")
		}
		b, err := d.billSvc.GetByID(c.Request().Context(), id)
		if errors.Is(err, bill.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "bill not found")
		}
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, b)
	})

	g.GET("/procedures/:id/bills", func(c echo.Context) error {
		procedureID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid procedure id")
		}
		bills, err := d.billSvc.GetByProcedure(c.Request().Context(), procedureID, bill.Filter{})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, bills)
	})

	g.POST("/procedures/:id/billing", func(c echo.Context) error {
		procedureID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid procedure id")
		}
		var req memberBillingRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid billing body")
		}
		result, err := d.billingSvc.HandleMemberBillingForProcedure(c.Request().Context(), billing.MemberBillingParams{
			MemberID:        req.MemberID,
			ProcedureID:     procedureID,
			ProcedureStatus: billing.ProcedureStatus(req.ProcedureStatus),
			Breakdown: &billing.CostBreakdown{
				ID:                          req.CostBreakdownID,
				ProcedureID:                 procedureID,
				MemberID:                    req.MemberID,
				EmployerID:                  req.EmployerID,
				ClinicID:                    req.ClinicID,
				TotalMemberResponsibility:   req.TotalMemberResponsibility,
				TotalEmployerResponsibility: req.TotalEmployerResponsibility,
				DeductibleApplied:           req.DeductibleApplied,
				OutOfPocketApplied:          req.OutOfPocketApplied,
			},
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		if result.ShouldNotify && result.Bill != nil {
			d.billingSvc.NotifyOfBill(c.Request().Context(), result.Bill)
		}
		return c.JSON(http.StatusOK, result)
	})

	g.POST("/procedures/:id/refunds", func(c echo.Context) error {
		procedureID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid procedure id")
		}
		var req struct {
			PayorType string `json:"payor_type"`
			PayorID   int64  `json:"payor_id"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid refund body")
		}
		refunds, err := d.billingSvc.CreateFullRefundBillsForPayor(c.Request().Context(),
			procedureID, bill.PayorType(req.PayorType), req.PayorID)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return c.JSON(http.StatusCreated, refunds)
	})
}

func registerJobHandlers(runner *jobs.Runner, d *deps) {
	runner.Register("process-bills", func(ctx context.Context, job jobs.Job) error {
		return processDueBills(ctx, d.billSvc, d.logger)
	})
	runner.Register("generate-accumulation", func(ctx context.Context, job jobs.Job) error {
		payer, _ := job.Args["payer"].(string)
		codec, err := codecByName(payer)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(job.Args["entries"])
		if err != nil {
			return fmt.Errorf("encode entries: %w", err)
		}
		var in []accumulationEntry
		if err := json.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("parse entries: %w", err)
		}
		entries := make([]accumulation.ReportEntry, 0, len(in))
		for _, e := range in {
			entry, err := e.toReportEntry()
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return runGeneration(ctx, d, codec, entries)
	})
	runner.Register("ingest-raw", func(ctx context.Context, job jobs.Job) error {
		taskType := ingestion.TaskIncremental
		if t, ok := job.Args["task_type"].(string); ok && t != "" {
			taskType = ingestion.TaskType(t)
		}
		target, _ := job.Args["target_file"].(string)
		return runRawMirror(ctx, d, taskType, target)
	})
	runner.Register("ingest-parse", func(ctx context.Context, job jobs.Job) error {
		target, _ := job.Args["target_file"].(string)
		return runParse(ctx, d, target)
	})
	runner.Register("process-responses", func(ctx context.Context, job jobs.Job) error {
		target, _ := job.Args["target_file"].(string)
		return runResponses(ctx, d, target)
	})
}

// billProcessor is the slice of the bill service the due-bill run drives.
type billProcessor interface {
	GetProcessableNewMemberBills(ctx context.Context, threshold time.Time) ([]*bill.Bill, error)
	SetNewBillToProcessing(ctx context.Context, b *bill.Bill) (*bill.Bill, error)
	Capture(ctx context.Context, b *bill.Bill) (*bill.Bill, error)
}

// processDueBills moves every schedulable NEW member bill through
// processing and capture. Per-bill failures are logged and skipped so one
// declined card never blocks the rest of the batch.
func processDueBills(ctx context.Context, svc billProcessor, logger zerolog.Logger) error {
	due, err := svc.GetProcessableNewMemberBills(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	logger.Info().Int("bills", len(due)).Msg("processing due bills")
	var failed int
	for _, b := range due {
		processing, err := svc.SetNewBillToProcessing(ctx, b)
		if err != nil {
			logger.Error().Err(err).Str("bill_id", b.ID.String()).Msg("could not start processing")
			failed++
			continue
		}
		if _, err := svc.Capture(ctx, processing); err != nil {
			logger.Error().Err(err).Str("bill_id", b.ID.String()).Msg("capture failed")
			failed++
		}
	}
	if failed > 0 {
		logger.Warn().Int("failed", failed).Int("total", len(due)).Msg("bill run finished with failures")
	}
	return nil
}

func runRawMirror(ctx context.Context, d *deps, taskType ingestion.TaskType, targetFile string) error {
	store, err := openBlobStore(ctx, d.cfg)
	if err != nil {
		return err
	}
	sftp, err := dialSFTP(d.cfg)
	if err != nil {
		return err
	}
	defer sftp.Close()

	remoteDir := ""
	if len(d.cfg.SFTPRemoteDirs) > 0 {
		remoteDir = d.cfg.SFTPRemoteDirs[0]
	}
	mirror := ingestion.NewRawMirror(sftp, store, ingestion.NewMetaRepoPG(d.pool),
		d.metrics, d.logger, remoteDir)
	_, err = mirror.Run(ctx, ingestion.RawMirrorParams{TaskType: taskType, TargetFile: targetFile})
	return err
}

func runGeneration(ctx context.Context, d *deps, codec accumulation.Codec, entries []accumulation.ReportEntry) error {
	store, err := openBlobStore(ctx, d.cfg)
	if err != nil {
		return err
	}
	gen := accumulation.NewGenerator(codec,
		accumulation.NewReportRepoPG(d.pool), accumulation.NewMappingRepoPG(d.pool),
		store, d.metrics, d.logger)
	report, err := gen.Generate(ctx, entries)
	if err != nil {
		return err
	}
	d.logger.Info().
		Str("payer", codec.PayerName()).
		Str("filename", report.Filename).
		Int("records", report.RecordCount).
		Msg("accumulation file generated")
	return nil
}

func runParse(ctx context.Context, d *deps, targetFile string) error {
	store, err := openBlobStore(ctx, d.cfg)
	if err != nil {
		return err
	}
	dec, err := newDecryptor(d.cfg)
	if err != nil {
		return err
	}
	parser := ingestion.NewParser(store, dec, ingestion.NewSpendRepoPG(d.pool),
		accumulation.NewMappingRepoPG(d.pool), ingestion.NewMetaRepoPG(d.pool),
		d.metrics, d.logger)
	_, _, err = parser.Run(ctx, ingestion.ParserParams{TargetFile: targetFile})
	return err
}

// runResponses downloads one mirrored payer response file and applies its
// accept/reject decisions to the treatment mappings.
func runResponses(ctx context.Context, d *deps, targetFile string) error {
	store, err := openBlobStore(ctx, d.cfg)
	if err != nil {
		return err
	}
	rc, err := store.Download(ctx, "raw/"+targetFile)
	if err != nil {
		return fmt.Errorf("download response file %s: %w", targetFile, err)
	}
	defer rc.Close()
	contents, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read response file %s: %w", targetFile, err)
	}

	proc := accumulation.NewResponseProcessor(
		[]accumulation.Codec{
			accumulation.NewAnthemCodec(),
			accumulation.NewCredenceCodec(),
			accumulation.NewESICodec(),
		},
		accumulation.NewMappingRepoPG(d.pool), accumulation.NewReportRepoPG(d.pool),
		d.metrics, d.logger)
	stats, err := proc.Process(ctx, targetFile, string(contents))
	if err != nil {
		return err
	}
	if stats == nil {
		d.logger.Warn().Str("filename", targetFile).Msg("no payer claims this response file")
		return nil
	}
	d.logger.Info().
		Str("filename", targetFile).
		Int("total", stats.Total).
		Int("accepted", stats.Accepted).
		Int("rejected", stats.Rejected).
		Int("skipped", stats.Skipped).
		Msg("response file processed")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func processBillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process-bills",
		Short: "Process all schedulable NEW member bills",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.pool.Close()
			return processDueBills(ctx, d.billSvc, d.logger)
		},
	}
}

// accumulationEntry is the JSON input shape for one outbound detail row.
type accumulationEntry struct {
	UniqueID             string      `json:"unique_id"`
	MemberID             string      `json:"member_id"`
	PolicyID             string      `json:"policy_id"`
	FirstName            string      `json:"first_name"`
	LastName             string      `json:"last_name"`
	DateOfBirth          string      `json:"date_of_birth"`
	ServiceDate          string      `json:"service_date"`
	DeductibleCents      money.Cents `json:"deductible_cents"`
	OOPCents             money.Cents `json:"oop_cents"`
	Reversal             bool        `json:"reversal"`
	TreatmentProcedureID int64       `json:"treatment_procedure_id"`
}

func (e accumulationEntry) toReportEntry() (accumulation.ReportEntry, error) {
	dob, err := time.Parse("2006-01-02", e.DateOfBirth)
	if err != nil {
		return accumulation.ReportEntry{}, fmt.Errorf("entry %s: date_of_birth: %w", e.UniqueID, err)
	}
	svc, err := time.Parse("2006-01-02", e.ServiceDate)
	if err != nil {
		return accumulation.ReportEntry{}, fmt.Errorf("entry %s: service_date: %w", e.UniqueID, err)
	}
	return accumulation.ReportEntry{
		Row: accumulation.DetailRow{
			UniqueID:    e.UniqueID,
			MemberID:    e.MemberID,
			PolicyID:    e.PolicyID,
			FirstName:   e.FirstName,
			LastName:    e.LastName,
			DateOfBirth: dob,
			ServiceDate: svc,
			Deductible:  e.DeductibleCents,
			OOP:         e.OOPCents,
			Reversal:    e.Reversal,
		},
		TreatmentProcedureID: e.TreatmentProcedureID,
	}, nil
}

func generateAccumulationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate-accumulation",
		Short: "Render and upload an accumulation file for one payer",
		RunE: func(cmd *cobra.Command, args []string) error {
			payer, _ := cmd.Flags().GetString("payer")
			input, _ := cmd.Flags().GetString("input")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			codec, err := codecByName(payer)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(input)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			var in []accumulationEntry
			if err := json.Unmarshal(raw, &in); err != nil {
				return fmt.Errorf("parse input: %w", err)
			}
			entries := make([]accumulation.ReportEntry, 0, len(in))
			for _, e := range in {
				entry, err := e.toReportEntry()
				if err != nil {
					return err
				}
				entries = append(entries, entry)
			}

			ctx := context.Background()
			d, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.pool.Close()

			return runGeneration(ctx, d, codec, entries)
		},
	}
	cmd.Flags().String("payer", "", "Payer name (anthem, credence, esi)")
	cmd.Flags().String("input", "", "JSON file of detail entries")
	cmd.MarkFlagRequired("payer")
	cmd.MarkFlagRequired("input")
	return cmd
}

func ingestRawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest-raw",
		Short: "Mirror new payer files from SFTP into object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskType, _ := cmd.Flags().GetString("task-type")
			targetFile, _ := cmd.Flags().GetString("target-file")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.pool.Close()
			return runRawMirror(ctx, d, ingestion.TaskType(taskType), targetFile)
		},
	}
	cmd.Flags().String("task-type", string(ingestion.TaskIncremental), "INCREMENTAL or FIXUP")
	cmd.Flags().String("target-file", "", "Explicit file for FIXUP runs")
	return cmd
}

func processResponsesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-responses",
		Short: "Apply a mirrored payer response file to treatment mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			targetFile, _ := cmd.Flags().GetString("target-file")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.pool.Close()
			return runResponses(ctx, d, targetFile)
		},
	}
	cmd.Flags().String("target-file", "", "Response filename to process")
	cmd.MarkFlagRequired("target-file")
	return cmd
}

func ingestParseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest-parse",
		Short: "Decrypt, parse, and load one mirrored payer file",
		RunE: func(cmd *cobra.Command, args []string) error {
			targetFile, _ := cmd.Flags().GetString("target-file")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.pool.Close()
			return runParse(ctx, d, targetFile)
		},
	}
	cmd.Flags().String("target-file", "", "Raw filename to parse")
	cmd.MarkFlagRequired("target-file")
	return cmd
}
