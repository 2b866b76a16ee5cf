// Command rebalancer-agent runs the agent tier: it accepts assignments from
// the manager, downloads objects onto local disk, and verifies them by MD5.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/TritonDataCenter/rebalancer/agent/controller"
	"github.com/TritonDataCenter/rebalancer/agent/pool"
	"github.com/TritonDataCenter/rebalancer/agent/store"
	"github.com/TritonDataCenter/rebalancer/common"
)

func main() {
	root := &cobra.Command{
		Use:     "rebalancer-agent",
		Short:   "Downloads objects onto this storage node at the manager's direction",
		Version: common.RebalancerVersion,
		RunE:    run,
	}
	addFlags(root.PersistentFlags())
	root.AddCommand(envCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addFlags(fs *pflag.FlagSet) {
	fs.String("log-level", common.LogInfo.String(), "Minimum severity written to the agent's process log (none, error, warning, info, debug)")
}

func envCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables this binary reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, v := range common.VisibleEnvironmentVariables {
				if v.Hidden {
					continue
				}
				fmt.Printf("%s (default %q): %s\n", v.Name, v.DefaultValue, v.Description)
			}
			return nil
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := common.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.DisableSyslog {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	levelStr, _ := cmd.Flags().GetString("log-level")
	logLevel, err := common.ParseLogLevel(levelStr)
	if err != nil {
		return err
	}

	processID := common.NewJobID()
	logger := common.NewJobLogger(processID, logLevel, cfg.LogLocation, "agent")
	logger.OpenLog()
	defer logger.CloseLog()

	metrics, registry := common.NewMetrics("agent")
	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metricsSrv = common.ServeMetrics(cfg.MetricsAddress, registry)
		defer common.ShutdownMetrics(metricsSrv)
	}

	assignmentStorePath := cfg.DataDir + "/assignments.db"
	st, err := store.Open(assignmentStorePath, metrics.DBOperationFailuresTotal)
	if err != nil {
		return fmt.Errorf("opening assignment store: %w", err)
	}
	defer st.Close()

	// Sweep stale .tmp files before any task resumes.
	controller.Sweep(cfg.MantaRoot, logger)

	workerPool := pool.New(cfg.ConcurrentDownloads, cfg.MantaRoot, time.Duration(cfg.DownloadTimeoutSecs)*time.Second, st, metrics, logger)
	ctrl := controller.New(st, workerPool, common.StorageNodeId(hostnameOrDefault()), logger, metrics)

	if err := ctrl.Resume(context.Background()); err != nil {
		logger.Log(common.LogError, fmt.Sprintf("resuming incomplete assignments: %v", err))
	}

	stopReload, err := common.WatchConfigReload(os.Getenv(common.EEnvironmentVariable.ConfigFile().Name), func(data []byte) {
		logger.Log(common.LogInfo, "config reload signal received; agent config is load-once after startup validation")
	})
	if err != nil {
		logger.Log(common.LogError, fmt.Sprintf("starting config watcher: %v", err))
	} else {
		defer stopReload()
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(common.HTTPMetricsMiddleware(metrics))
	ctrl.Routes(router)

	srv := &http.Server{Addr: cfg.BindAddress, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log(common.LogError, fmt.Sprintf("http server: %v", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
