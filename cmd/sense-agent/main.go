package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mimuc/sense-agent/internal/alarm"
	"github.com/mimuc/sense-agent/internal/api"
	"github.com/mimuc/sense-agent/internal/config"
	"github.com/mimuc/sense-agent/internal/database"
	"github.com/mimuc/sense-agent/internal/esm"
	"github.com/mimuc/sense-agent/internal/jobs"
	"github.com/mimuc/sense-agent/internal/logging"
	"github.com/mimuc/sense-agent/internal/notify"
	"github.com/mimuc/sense-agent/internal/readings"
	"github.com/mimuc/sense-agent/internal/retry"
	"github.com/mimuc/sense-agent/internal/server"
	"github.com/mimuc/sense-agent/internal/store"
	"github.com/mimuc/sense-agent/internal/upload"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	uploadJobTag      = "readingsUpload"
	scheduleJobTag    = "esmSchedule"
	maxUploadAttempts = 3
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sense-agent",
		Short: "On-device reliability engine for field-study data collection",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Remote collection service base URL")
	cmd.PersistentFlags().Int("upload-batch-size", defaults.GetInt("upload.batch_size"), "Readings per upload batch")
	cmd.PersistentFlags().Int("upload-interval-hours", defaults.GetInt("upload.interval_hours"), "Hours between upload cycles")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "upload.batch_size", "upload-batch-size")
	bindFlag(cmd, "upload.interval_hours", "upload-interval-hours")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	configStore, err := store.NewStore(store.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	readingStore, err := readings.NewStore(readings.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	pendingStore, err := esm.NewPendingStore(esm.PendingStoreConfig{
		Database:   db,
		IDProvider: esm.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	catalog, err := esm.NewCatalog(configStore)
	if err != nil {
		return err
	}

	center := notify.NewCenter(notify.CenterConfig{
		Logger: logging.ForComponent(logger, "notify"),
	})

	// The facility and the scheduler reference each other: alarms fired by
	// the facility re-arm the next day's alarm through the scheduler.
	var scheduler *esm.Scheduler
	facility, err := alarm.NewFacility(alarm.FacilityConfig{
		Database: db,
		Logger:   logging.ForComponent(logger, "alarm"),
		Handler: func(payload esm.AlarmPayload) {
			if scheduler != nil {
				scheduler.HandleAlarmFired(payload)
			}
		},
	})
	if err != nil {
		return err
	}

	scheduler, err = esm.NewScheduler(esm.SchedulerConfig{
		Catalog:  catalog,
		Store:    configStore,
		Pending:  pendingStore,
		Launcher: center,
		Notifier: center,
		Alarms:   facility,
		Logger:   logging.ForComponent(logger, "esm"),
	})
	if err != nil {
		return err
	}

	client, err := api.NewClient(api.ClientConfig{
		BaseURL: appConfig.APIBaseURL,
		Logger:  logging.ForComponent(logger, "api"),
	})
	if err != nil {
		return err
	}

	pipeline, err := upload.NewPipeline(upload.PipelineConfig{
		Source:    readingStore,
		Poster:    client,
		BatchSize: appConfig.UploadBatchSize,
		Logger:    logging.ForComponent(logger, "upload"),
	})
	if err != nil {
		return err
	}

	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		Gates: jobs.Gates{
			NetworkOnline: networkGate(appConfig.APIBaseURL),
		},
		Logger: logging.ForComponent(logger, "jobs"),
	})
	if err != nil {
		return err
	}

	uploadJob := func(jobCtx context.Context) {
		retry.Run(jobCtx, retry.DefaultBackoff(), maxUploadAttempts, func(attemptCtx context.Context) bool {
			token, err := configStore.Token(attemptCtx)
			if err != nil {
				logger.Error("token read failed", zap.Error(err))
				return false
			}
			return pipeline.RunCycle(attemptCtx, token) == upload.OutcomeRetry
		})
	}
	err = runner.Schedule(uploadJobTag, appConfig.UploadInterval, jobs.Constraints{
		NetworkRequired: appConfig.RequireNetworkUpload,
		PowerRequired:   appConfig.RequirePowerUpload,
	}, uploadJob)
	if err != nil {
		return err
	}

	err = runner.Schedule(scheduleJobTag, appConfig.ScheduleInterval, jobs.Constraints{}, func(jobCtx context.Context) {
		if err := scheduler.SchedulePeriodic(jobCtx); err != nil {
			logger.Error("periodic scheduling pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	if err := facility.Start(); err != nil {
		return err
	}
	defer facility.Stop()

	runner.Start()
	defer runner.Stop() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Scheduler:     scheduler,
		Pipeline:      pipeline,
		Readings:      readingStore,
		Config:        configStore,
		Notifications: center,
		Logger:        logging.ForComponent(logger, "server"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// networkGate probes reachability of the collection service host before a
// network-constrained job runs.
func networkGate(baseURL string) func() bool {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	address := parsed.Host
	if parsed.Port() == "" {
		switch parsed.Scheme {
		case "http":
			address = net.JoinHostPort(parsed.Hostname(), "80")
		default:
			address = net.JoinHostPort(parsed.Hostname(), "443")
		}
	}
	return func() bool {
		conn, err := net.DialTimeout("tcp", address, 3*time.Second)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
