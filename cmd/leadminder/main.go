package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/leadminder/internal/actions"
	"github.com/MarcoPoloResearchLab/leadminder/internal/clock"
	"github.com/MarcoPoloResearchLab/leadminder/internal/config"
	"github.com/MarcoPoloResearchLab/leadminder/internal/crm"
	"github.com/MarcoPoloResearchLab/leadminder/internal/database"
	"github.com/MarcoPoloResearchLab/leadminder/internal/kvstore"
	"github.com/MarcoPoloResearchLab/leadminder/internal/leads"
	"github.com/MarcoPoloResearchLab/leadminder/internal/logging"
	"github.com/MarcoPoloResearchLab/leadminder/internal/notify"
	"github.com/MarcoPoloResearchLab/leadminder/internal/reminders"
	"github.com/MarcoPoloResearchLab/leadminder/internal/retry"
	"github.com/MarcoPoloResearchLab/leadminder/internal/scheduler"
	"github.com/MarcoPoloResearchLab/leadminder/internal/server"
	"github.com/MarcoPoloResearchLab/leadminder/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	jobDigest       = "daily-digest"
	jobMeetingWatch = "meeting-watch"
	jobRetryDrain   = "retry-drain"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "leadminder",
		Short: "Background reminder and sync agent for the lead CRM",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.url"), "Remote CRM backend base URL")
	cmd.PersistentFlags().String("timezone", defaults.GetString("timezone"), "IANA timezone for calendar computations")
	cmd.PersistentFlags().String("digest-time", defaults.GetString("digest.time"), "Daily digest wall-clock time (HH:MM)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "backend.url", "backend-url")
	bindFlag(cmd, "timezone", "timezone")
	bindFlag(cmd, "digest.time", "digest-time")
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

	store, err := kvstore.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	dayClock, err := clock.New(clock.Config{
		Timezone:       appConfig.Timezone,
		QuietStartHour: appConfig.QuietStart,
		QuietEndHour:   appConfig.QuietEnd,
	})
	if err != nil {
		return err
	}

	crmClient, err := crm.NewClient(crm.Config{
		BaseURL: appConfig.BackendURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	sessions, err := session.NewManager(session.ManagerConfig{
		Store:     store,
		Refresher: crmClient,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sessions.Load(signalCtx); err != nil {
		return err
	}

	dedup, err := reminders.NewDedupStore(store, logger)
	if err != nil {
		return err
	}
	snoozes, err := reminders.NewSnoozeStore(store, logger)
	if err != nil {
		return err
	}
	evaluator, err := reminders.NewEvaluator(dayClock, appConfig.Horizon)
	if err != nil {
		return err
	}
	cacheSource, err := leads.NewCacheSource(store, logger)
	if err != nil {
		return err
	}

	applier, err := actions.NewRemoteApplier(sessions, crmClient)
	if err != nil {
		return err
	}
	queue, err := retry.NewQueue(retry.QueueConfig{
		Store:    store,
		Applier:  applier,
		Logger:   logger,
		MaxItems: appConfig.RetryMaxItems,
	})
	if err != nil {
		return err
	}
	actionHandler, err := actions.NewHandler(actions.HandlerConfig{
		Applier: applier,
		Queue:   queue,
		Snoozes: snoozes,
		Clock:   dayClock,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	feed := notify.NewFeed()
	notifier := notify.Multi{feed, notify.NewLogNotifier(logger)}
	jobs, err := reminders.NewJobs(reminders.JobsConfig{
		Source:    cacheSource,
		Evaluator: evaluator,
		Dedup:     dedup,
		Snoozes:   snoozes,
		Clock:     dayClock,
		Notifier:  notifier,
		IDs:       notify.DefaultIDTable(),
		Logger:    logger,
		RenderCap: appConfig.RenderCap,
	})
	if err != nil {
		return err
	}

	jobScheduler := scheduler.New(signalCtx, logger)
	defer jobScheduler.Close()

	digestDelay := time.Until(dayClock.NextDailyOccurrence(appConfig.DigestHour, appConfig.DigestMinute))
	if err := jobScheduler.Schedule(jobDigest, scheduler.JobSpec{
		Every:        24 * time.Hour,
		InitialDelay: digestDelay,
		Run:          jobs.RunDigest,
	}); err != nil {
		return err
	}
	if err := jobScheduler.Schedule(jobMeetingWatch, scheduler.JobSpec{
		Every: appConfig.WatchInterval,
		Run:   jobs.RunMeetingWatch,
	}); err != nil {
		return err
	}
	if err := jobScheduler.Schedule(jobRetryDrain, scheduler.JobSpec{
		Every:        appConfig.DrainInterval,
		InitialDelay: appConfig.DrainInterval,
		Run: func(ctx context.Context) {
			if err := queue.Drain(ctx); err != nil {
				logger.Warn("retry drain failed", zap.Error(err))
			}
		},
	}); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Actions: actionHandler,
		Feed:    feed,
		Status: func(ctx context.Context) server.StatusReport {
			return server.StatusReport{
				SessionValid: sessions.Valid(),
				QueueDepth:   queue.Depth(ctx),
				Timestamp:    dayClock.Now().Unix(),
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		jobScheduler.Close()
		actionHandler.Wait()
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
