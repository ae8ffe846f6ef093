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
	"portmeter/internal/handlers"
	"portmeter/internal/traffic"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portmeter",
		Short:        "Per-port traffic metering and quota enforcement",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newIngestCmd(), newCollectCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept counter text over HTTP and run a cycle per submission",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			e := echo.New()
			e.HideBanner = true
			e.Use(middleware.Logger())
			e.Use(middleware.Recover())

			e.GET("/healthz", func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
			})
			e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

			api := e.Group("/api")
			handlers.RegisterRoutes(api, a.cycles, a.log)

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := e.Shutdown(shutdownCtx); err != nil {
					a.log.WithError(err).Warn("shutdown failed")
				}
			}()

			a.log.Infof("portmeter starting on %s...", a.cfg.ListenAddr)
			if err := e.Start(a.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func newIngestCmd() *cobra.Command {
	var (
		serverID   uint
		file       string
		accumulate bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one cycle over counter text read from a file or stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read counters: %w", err)
			}
			if !cmd.Flags().Changed("accumulate") {
				accumulate = a.cfg.TrafficAccumulate
			}
			return runCycle(cmd, a, serverID, string(raw), accumulate)
		},
	}
	cmd.Flags().UintVar(&serverID, "server-id", 0, "server the counters belong to")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "counter text file, - for stdin")
	cmd.Flags().BoolVar(&accumulate, "accumulate", false, "fold the reading into the accumulate baseline")
	_ = cmd.MarkFlagRequired("server-id")
	return cmd
}

func newCollectCmd() *cobra.Command {
	var (
		serverID   uint
		accumulate bool
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Read the local iptables accounting chains and run one cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			collector, err := traffic.NewCollector(a.cfg.IptablesTable, a.cfg.IptablesChains, a.log)
			if err != nil {
				return err
			}
			raw, err := collector.Collect()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("accumulate") {
				accumulate = a.cfg.TrafficAccumulate
			}
			return runCycle(cmd, a, serverID, raw, accumulate)
		},
	}
	cmd.Flags().UintVar(&serverID, "server-id", 0, "server this host is registered as")
	cmd.Flags().BoolVar(&accumulate, "accumulate", false, "fold the reading into the accumulate baseline")
	_ = cmd.MarkFlagRequired("server-id")
	return cmd
}

func runCycle(cmd *cobra.Command, a *app, serverID uint, raw string, accumulate bool) error {
	report, err := a.cycles.RunCycle(cmd.Context(), serverID, raw, accumulate)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
