package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"replicad/internal/config"
	"replicad/internal/httpapi"
	"replicad/internal/registry"
	"replicad/internal/replica"
	"replicad/pkg/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "replicad",
		Short:         "replicad runs one replica of a deployment handler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		cfgPath        string
		addr           string
		appName        string
		deploymentName string
		replicaTag     string
		definition     string
		logLevel       string
		gracefulWait   time.Duration
		corsEnabled    bool
		corsOrigins    []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a registered handler definition as one replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			// Flags override file values when set.
			if cmd.Flags().Changed("addr") || cfg.Addr == "" {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("app") || cfg.AppName == "" {
				cfg.AppName = appName
			}
			if cmd.Flags().Changed("deployment") || cfg.DeploymentName == "" {
				cfg.DeploymentName = deploymentName
			}
			if cmd.Flags().Changed("replica-tag") || cfg.ReplicaTag == "" {
				cfg.ReplicaTag = replicaTag
			}
			if cmd.Flags().Changed("definition") || cfg.Definition == "" {
				cfg.Definition = definition
			}
			if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("graceful-wait") || cfg.GracefulShutdownWait == 0 {
				cfg.GracefulShutdownWait = gracefulWait
			}
			if cmd.Flags().Changed("cors-enabled") {
				cfg.CORSEnabled = corsEnabled
			}
			if cmd.Flags().Changed("cors-origins") {
				cfg.CORSOrigins = corsOrigins
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to a yaml/json/toml config file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address, e.g. :8080")
	cmd.Flags().StringVar(&appName, "app", "", "Application name")
	cmd.Flags().StringVar(&deploymentName, "deployment", "default", "Deployment name")
	cmd.Flags().StringVar(&replicaTag, "replica-tag", "", "Replica tag (defaults to hostname+pid)")
	cmd.Flags().StringVar(&definition, "definition", "echo", "Registered handler definition to serve")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace..error)")
	cmd.Flags().DurationVar(&gracefulWait, "graceful-wait", 2*time.Second, "Drain-loop grace period")
	cmd.Flags().BoolVar(&corsEnabled, "cors-enabled", false, "Enable CORS middleware")
	cmd.Flags().StringSliceVar(&corsOrigins, "cors-origins", nil, "Allowed CORS origins")
	return cmd
}

func runServe(cfg config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if cfg.ReplicaTag == "" {
		hostname, _ := os.Hostname()
		cfg.ReplicaTag = hostname + "-" + time.Now().Format("20060102150405")
	}

	def, err := registry.Resolve(cfg.Definition)
	if err != nil {
		return err
	}

	var autoscaling *types.AutoscalingConfig
	if cfg.AutoscalingInterval > 0 {
		autoscaling = &types.AutoscalingConfig{MetricsInterval: cfg.AutoscalingInterval}
	}

	rep, err := replica.New(replica.Options{
		ID: types.ReplicaID{
			AppName:        cfg.AppName,
			DeploymentName: cfg.DeploymentName,
			ReplicaTag:     cfg.ReplicaTag,
		},
		Definition:  def,
		InitArgs:    cfg.InitArgs,
		CodeVersion: cfg.CodeVersion,
		Deployment: types.DeploymentConfig{
			UserConfig:           cfg.UserConfig,
			GracefulShutdownWait: cfg.GracefulShutdownWait,
			Autoscaling:          autoscaling,
			Logging:              types.LoggingConfig{Level: cfg.LogLevel, EnableAccess: true},
		},
		Logger: log,
	})
	if err != nil {
		return err
	}

	rep.IsAllocated()
	initCtx, cancelInit := context.WithTimeout(context.Background(), time.Minute)
	_, _, err = rep.InitializeAndGetMetadata(initCtx, nil)
	cancelInit()
	if err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins,
		[]string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})

	mux := httpapi.NewMux(rep)
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("definition", cfg.Definition).
			Str("replica", cfg.ReplicaTag).Msg("replicad listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM): drain in-flight work, then stop
	// accepting connections.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	if err := rep.DrainAndTerminate(context.Background()); err != nil {
		log.Warn().Err(err).Msg("drain error")
	}
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
