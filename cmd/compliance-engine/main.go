package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
	"github.com/medlims/compliance-engine/internal/database"
	"github.com/medlims/compliance-engine/internal/handlers"
	"github.com/medlims/compliance-engine/internal/realtime"
	"github.com/medlims/compliance-engine/internal/reporting"
)

var (
	version    = "1.0.0"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "compliance-engine",
		Short:         "Laboratory compliance reporting and audit trail service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := cfg.InitLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, WebSocket and gRPC health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cfg, logger)
		},
	}
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting compliance engine", zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.close()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.hub.Run(hubCtx)

	if err := a.trail.Load(ctx); err != nil {
		logger.Warn("Audit trail starts empty", zap.Error(err))
	}
	if cfg.Audit.SyncOnStart && a.fhir.Configured() {
		now := time.Now().UTC()
		if _, err := a.trail.Sync(ctx, compliance.Period{Start: now.Add(-cfg.Audit.SyncLookback), End: now}); err != nil {
			logger.Warn("Initial audit sync failed", zap.Error(err))
		}
	}

	if err := a.reports.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reporting service: %w", err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start report scheduler: %w", err)
		}
	}

	go realtime.Forward(hubCtx, a.hub, realtime.TopicReports, a.reports.Subscribe(), logger)
	go realtime.Forward(hubCtx, a.hub, realtime.TopicAudit, a.trail.Subscribe(compliance.AuditFilters{Limit: 100}), logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Monitoring.EnableMetrics {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	handlers.NewComplianceHandler(handlers.Dependencies{
		Reports:        a.reports,
		Scheduler:      a.scheduler,
		Exporter:       a.exporter,
		Trail:          a.trail,
		Currency:       a.currency,
		Notifier:       a.notifier,
		Metrics:        a.metrics,
		Realtime:       a.hub,
		RecordRequests: cfg.Audit.RecordRequests,
	}, cfg.Security, logger).RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.Server.GRPCPort > 0 {
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen on gRPC port: %w", err)
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		go func() {
			logger.Info("Starting gRPC health server", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcServer.Serve(listener); err != nil {
				errCh <- fmt.Errorf("gRPC server failed: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down compliance engine")
	case err = <-errCh:
		logger.Error("Server stopped unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if healthServer != nil {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(shutdownErr))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if stopErr := a.reports.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("Reporting service stop incomplete", zap.Error(stopErr))
	}
	stopHub()

	logger.Info("Compliance engine stopped")
	return err
}

func generateCmd() *cobra.Command {
	var (
		reportType string
		from       string
		to         string
		format     string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one report and write it to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			period, err := parsePeriod(from, to, cfg.Reporting.DefaultLookback)
			if err != nil {
				return err
			}
			exportFormat, err := reporting.ParseFormat(format)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			return generate(cmd.Context(), cfg, logger, compliance.ReportType(reportType), period, exportFormat, out)
		},
	}

	cmd.Flags().StringVar(&reportType, "type", string(compliance.ReportTypeCLIA), "report type")
	cmd.Flags().StringVar(&from, "from", "", "period start (YYYY-MM-DD), default end minus the configured lookback")
	cmd.Flags().StringVar(&to, "to", "", "period end (YYYY-MM-DD), default today")
	cmd.Flags().StringVar(&format, "format", string(reporting.FormatJSON), "pdf, excel, csv or json")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

func parsePeriod(from, to string, lookback time.Duration) (compliance.Period, error) {
	end := time.Now().UTC()
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return compliance.Period{}, fmt.Errorf("invalid --to date: %w", err)
		}
		end = t.Add(24*time.Hour - time.Second)
	}
	start := end.Add(-lookback)
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return compliance.Period{}, fmt.Errorf("invalid --from date: %w", err)
		}
		start = t
	}
	return compliance.Period{Start: start, End: end}, nil
}

func generate(ctx context.Context, cfg *config.Config, logger *zap.Logger, reportType compliance.ReportType, period compliance.Period, format reporting.Format, out io.Writer) error {
	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.close()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go a.hub.Run(hubCtx)

	if err := a.reports.Start(ctx); err != nil {
		return err
	}
	defer a.reports.Stop(context.Background())

	gen, err := a.reports.GenerateComplianceReport(ctx, reportType, period, reporting.GenerateOptions{RequestedBy: "cli"})
	if err != nil {
		return err
	}
	report, err := gen.Wait(ctx)
	if err != nil {
		return fmt.Errorf("report %s failed: %w", report.ID, err)
	}

	result, err := a.exporter.Export(report, format)
	if err != nil {
		return err
	}
	if _, err := out.Write(result.Content); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	logger.Info("Report written",
		zap.String("report_id", report.ID),
		zap.String("filename", result.Filename),
	)
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Database.Host == "" {
				return errors.New("database.host is not configured")
			}
			db, err := database.Connect(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.RunMigrations(db, logger)
		},
	}
}
