// Command rebalancer-manager runs the manager tier: it owns evacuate jobs,
// plans and dispatches assignments to agents, and rewrites object metadata
// once data has landed on its new home.
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

	"github.com/TritonDataCenter/rebalancer/common"
	"github.com/TritonDataCenter/rebalancer/manager/controller"
	"github.com/TritonDataCenter/rebalancer/manager/directory"
	"github.com/TritonDataCenter/rebalancer/manager/dispatcher"
	"github.com/TritonDataCenter/rebalancer/manager/jobstore"
	"github.com/TritonDataCenter/rebalancer/manager/metadata"
	"github.com/TritonDataCenter/rebalancer/manager/planner"
	"github.com/TritonDataCenter/rebalancer/manager/source"
)

const defaultMetadataThreads = 8

func main() {
	root := &cobra.Command{
		Use:     "rebalancer-manager",
		Short:   "Orchestrates evacuate jobs: discovers objects, dispatches assignments, rewrites metadata",
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
	fs.String("log-level", common.LogInfo.String(), "Minimum severity written to the manager's process log (none, error, warning, info, debug)")
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
	cfg, err := common.LoadManagerConfig()
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
	logger := common.NewJobLogger(processID, logLevel, cfg.LogLocation, "manager")
	logger.OpenLog()
	defer logger.CloseLog()

	metrics, registry := common.NewMetrics("manager")
	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metricsSrv = common.ServeMetrics(cfg.MetricsAddress, registry)
		defer common.ShutdownMetrics(metricsSrv)
	}

	store, err := jobstore.Open(cfg.DatabaseURL, metrics.DBOperationFailuresTotal)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	httpClient := &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutSecs) * time.Second}

	dir := directory.New(cfg.StorinfoURL, httpClient, common.DefaultDirectoryRefreshInterval, logger)
	dirCtx, dirCancel := context.WithCancel(context.Background())
	defer dirCancel()
	go dir.Run(dirCtx)

	shardAddrs, err := common.ParseShardAddrs(cfg.MetadataShards)
	if err != nil {
		return fmt.Errorf("parsing metadata shard map: %w", err)
	}
	metaStore := metadata.NewRedisStore(shardAddrs)
	defer metaStore.Close()

	disp := dispatcher.New(httpClient, store, metrics, logger)
	plan := planner.New(store, dir, disp)
	rewriter := metadata.New(metaStore, store, dir, defaultMetadataThreads, metrics, logger)

	openSource := func(ctx context.Context, fromShark common.StorageNodeId) (source.Source, error) {
		return source.OpenPostgresSource(ctx, cfg.DatabaseURL, fromShark)
	}

	ctrl := controller.New(store, dir, plan, rewriter, disp, openSource, common.DefaultJobTickInterval, logger, metrics)

	if err := ctrl.ResumeJobs(context.Background()); err != nil {
		logger.Log(common.LogError, fmt.Sprintf("resuming jobs: %v", err))
	}

	stopReload, err := common.WatchConfigReload(os.Getenv(common.EEnvironmentVariable.ConfigFile().Name), func(data []byte) {
		logger.Log(common.LogInfo, "config reload signal received; manager config is load-once after startup validation")
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
