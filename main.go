package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alapierre/go-cfdi-proxy/internal/config"
	"github.com/alapierre/go-cfdi-proxy/internal/jobs"
	"github.com/alapierre/go-cfdi-proxy/internal/metrics"
	"github.com/alapierre/go-cfdi-proxy/internal/proxy"
	"github.com/alapierre/go-cfdi-proxy/internal/server"
	"github.com/alapierre/go-cfdi-proxy/sat/bulk"
	"github.com/alapierre/go-cfdi-proxy/sat/portal"
	"github.com/alapierre/go-cfdi-proxy/sat/seal"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "go-cfdi-proxy",
		Short:         "Stateless proxy to the SAT CFDI portal and bulk download web service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.AddCommand(serveCommand(), workerCommand(), versionCommand(), keygenCommand())

	if err := root.ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func workerCommand() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job queue consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return work(ctx, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address of the worker /metrics endpoint, empty disables it")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), server.ServiceName, version)
		},
	}
}

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random JOBS_SEAL_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := seal.GenerateRandom256BitsKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}

func loadConfig() (*config.ServerEnvironment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ConfigureLogging()
	return cfg, nil
}

func newService(cfg *config.ServerEnvironment, m *metrics.Metrics) *proxy.Service {
	endpoints := cfg.Endpoints()
	opts := cfg.TransportOptions()
	return proxy.NewService(
		proxy.PortalFrom(portal.NewConnector(endpoints, opts)),
		proxy.BulkFrom(bulk.NewConnector(endpoints, opts)),
		proxy.Options{
			Concurrency: cfg.DownloadConcurrency,
			Deadline:    cfg.DownloadDeadline,
			Metrics:     m,
		},
	)
}

func newSealer(cfg *config.ServerEnvironment) (*seal.Sealer, error) {
	key, err := seal.ParseKey(cfg.JobsSealKey)
	if err != nil {
		return nil, fmt.Errorf("JOBS_SEAL_KEY: %w", err)
	}
	return seal.New(key)
}

func redisOpt(cfg *config.ServerEnvironment) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := metrics.New()
	svc := newService(cfg, m)

	var opts []server.Option
	if cfg.JobsEnabled {
		sealer, err := newSealer(cfg)
		if err != nil {
			return err
		}
		pool, err := jobs.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := jobs.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		client := asynq.NewClient(redisOpt(cfg))
		defer client.Close()

		opts = append(opts, server.WithJobs(jobs.NewQueue(client, jobs.NewRepository(pool), sealer)))
	}

	return server.NewServer(cfg, svc, m, opts...).Start(ctx)
}

func work(ctx context.Context, metricsAddr string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.JobsEnabled {
		return fmt.Errorf("the worker needs JOBS_ENABLED=true")
	}
	sealer, err := newSealer(cfg)
	if err != nil {
		return err
	}

	pool, err := jobs.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := jobs.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	storage, err := jobs.NewStorage(jobs.StorageConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
		Region:    cfg.S3Region,
	})
	if err != nil {
		return err
	}
	if err := storage.EnsureBucket(ctx); err != nil {
		return err
	}

	m := metrics.New()
	if metricsAddr != "" {
		ms := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Warn("metrics endpoint stopped")
			}
		}()
		defer ms.Close()
	}

	client := asynq.NewClient(redisOpt(cfg))
	defer client.Close()

	processor := jobs.NewProcessor(newService(cfg, m), jobs.NewRepository(pool), storage, sealer, client, jobs.ProcessorConfig{
		PollInterval: cfg.BulkPollInterval,
		PollMaxAge:   cfg.BulkPollMaxAge,
		Metrics:      m,
	})

	srv := asynq.NewServer(redisOpt(cfg), asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logrus.WithField("component", "asynq"),
	})

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	logrus.WithFields(logrus.Fields{
		"concurrency": cfg.WorkerConcurrency,
		"redis":       cfg.RedisAddr,
		"bucket":      cfg.S3Bucket,
	}).Info("worker started")
	return srv.Run(processor.Handler())
}
