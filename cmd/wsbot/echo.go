package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/spf13/cobra"

	"github.com/ianic/xnet/internal/signal"
	"github.com/ianic/xnet/ws"
)

var echoAddress string

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Run a WebSocket server which echoes every message back",
	Args:  cobra.NoArgs,
	RunE:  runEcho,
}

func init() {
	echoCmd.Flags().StringVar(&echoAddress, "address", "", "listen address (default from config, localhost:9001)")
	rootCmd.AddCommand(echoCmd)
}

func runEcho(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("address") {
		cfg.Listen = echoAddress
	}
	logger := cfg.Logger()

	ctx, cancel := signal.InterruptContext(cmd.Context())
	defer cancel()

	nl, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	logger.Info("echo server listening", slog.String("address", nl.Addr().String()))

	srv := ws.NewServer(ws.Echo, cfg.Options(logger))
	if err := srv.ServeListener(ctx, nl); err != nil {
		return err
	}

	logger.Info("shutting down", slog.Int("connections", srv.Len()))
	sctx, scancel := context.WithTimeout(context.Background(), cfg.CloseTimeout)
	defer scancel()
	return srv.Shutdown(sctx)
}
