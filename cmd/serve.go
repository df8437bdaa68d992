package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fnlabs/fn-scheduler/internal/accounts"
	"github.com/fnlabs/fn-scheduler/internal/api"
	"github.com/fnlabs/fn-scheduler/internal/batch"
	"github.com/fnlabs/fn-scheduler/internal/config"
	"github.com/fnlabs/fn-scheduler/internal/dispatch"
	"github.com/fnlabs/fn-scheduler/internal/runner"
	"github.com/fnlabs/fn-scheduler/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		host        string
		port        int
		dbPath      string
		basePath    string
		staticDir   string
		authFile    string
		tlsCert     string
		tlsKey      string
		tlsAuto     bool
		ipv6        bool
		taskTimeout int
		condTimeout int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			// Flags given on the command line win over the environment.
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("db") {
				cfg.DBPath = dbPath
			}
			if flags.Changed("base-path") {
				cfg.BasePath = config.NormalizeBasePath(basePath)
			}
			if flags.Changed("static-dir") {
				cfg.StaticDir = staticDir
			}
			if flags.Changed("auth-file") {
				cfg.AuthFile = authFile
			}
			if flags.Changed("tls-cert") {
				cfg.TLSCert = tlsCert
			}
			if flags.Changed("tls-key") {
				cfg.TLSKey = tlsKey
			}
			if flags.Changed("tls-auto") {
				cfg.TLSAuto = tlsAuto
			}
			if flags.Changed("ipv6") {
				cfg.IPv6 = ipv6
			}
			if flags.Changed("task-timeout") {
				cfg.TaskTimeout = time.Duration(taskTimeout) * time.Second
			}
			if flags.Changed("condition-timeout") {
				cfg.ConditionTimeout = time.Duration(condTimeout) * time.Second
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "bind address")
	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "bind port")
	cmd.Flags().StringVar(&dbPath, "db", config.DefaultDBPath, "path to the sqlite database")
	cmd.Flags().StringVar(&basePath, "base-path", "", "URL prefix for the UI and API")
	cmd.Flags().StringVar(&staticDir, "static-dir", "", "directory with the web UI bundle")
	cmd.Flags().StringVar(&authFile, "auth-file", "", "path to the basic auth JSON file")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate path")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key path")
	cmd.Flags().BoolVar(&tlsAuto, "tls-auto", false, "generate an ephemeral self-signed certificate")
	cmd.Flags().BoolVar(&ipv6, "ipv6", false, "prefer the IPv6 wildcard address")
	cmd.Flags().IntVar(&taskTimeout, "task-timeout", int(config.DefaultTaskTimeout/time.Second), "per-run wall clock cap in seconds")
	cmd.Flags().IntVar(&condTimeout, "condition-timeout", int(config.DefaultConditionTimeout/time.Second), "condition probe cap in seconds")
	return cmd
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ac, err := accounts.New()
	if err != nil {
		return err
	}
	slog.Info("scheduler starting", "account", ac.Current(), "privileged", ac.Privileged())

	st, err := store.Open(cfg.DBPath, ac.Validate)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auth, err := config.LoadAuth(cfg.AuthFile)
	if err != nil {
		return err
	}
	stopWatch, err := auth.Watch()
	if err != nil {
		return err
	}
	defer stopWatch()

	rn := runner.New(st, runner.Options{
		TaskTimeout: cfg.TaskTimeout,
		LogCap:      cfg.LogCap,
		Workers:     cfg.Workers,
	})
	// Detached from the signal context: in-flight children survive the
	// signal and are only killed when the drain grace expires.
	rn.Start(context.Background())

	disp := dispatch.New(st, rn, dispatch.Options{
		ProbeTimeout:  cfg.ConditionTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
	})
	dispDone := make(chan struct{})
	go func() {
		disp.Run(ctx)
		close(dispDone)
	}()

	srv := api.New(cfg, st, rn, batch.New(st, rn), ac, auth)
	err = srv.ListenAndServe(ctx)

	// The dispatcher owns the shutdown sequence (shutdown fires, drain);
	// wait for it before closing the store. stop() covers the bind-error
	// path where no signal ever arrives.
	stop()
	<-dispDone
	if err != nil {
		return err
	}
	slog.Info("scheduler stopped")
	return nil
}
