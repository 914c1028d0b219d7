package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/karstnetwork/karst/internal/logging"
	"github.com/karstnetwork/karst/internal/node"
)

func NewServeCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node",
		Long:  "Start the node and serve the network until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.Daemon.LogLevel, cfg.Daemon.LogFormat)

			n, err := node.New(cfg)
			if err != nil {
				return fmt.Errorf("create node: %w", err)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			fmt.Printf("Node ID: %s\n", n.NodeID())

			var metricsSrv *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", n.Metrics().Handler())
				metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Error("metrics server failed", logging.Err(err))
					}
				}()
				fmt.Printf("Metrics on http://%s/metrics\n", metricsAddr)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan
			fmt.Println("\nShutting down...")

			if metricsSrv != nil {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsSrv.Shutdown(shutCtx)
				shutCancel()
			}
			return n.Close()
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Address for Prometheus metrics (e.g. 127.0.0.1:9464)")
	return cmd
}

func setupLogging(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if format == "text" {
		logging.SetLogger(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
		return
	}
	logging.SetLevel(lvl)
}
