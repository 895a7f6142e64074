package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/ble-orchestrator/internal/config"
)

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "ble-orchestrator",
	Short: "Host-local BLE arbitration and request orchestration service",
	Long: `ble-orchestrator mediates a single Bluetooth adapter pair between a
continuous scanner and on-demand connect-based GATT requests, exposing
both over a line-delimited JSON IPC socket.

It runs in the foreground with no subcommands; stop it with SIGINT or
SIGTERM for a graceful shutdown.`,
	RunE:         runService,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if logLevelFlag != "" {
		level, err := logrus.ParseLevel(logLevelFlag)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevelFlag, err)
		}
		cfg.LogLevel = level
	}
	logger := cfg.NewLogger()

	printBanner(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orc, err := newOrchestrator(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	logger.Info("ble-orchestrator: starting")
	if err := orc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("ble-orchestrator: stopped")
	return nil
}

func printBanner(cfg *config.Config) {
	colorEnabled := term.IsTerminal(int(os.Stdout.Fd()))
	color.NoColor = !colorEnabled

	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)

	title.Println("ble-orchestrator")
	transport := fmt.Sprintf("unix://%s", cfg.Socket)
	if cfg.UseTCP {
		transport = fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	}
	label.Printf("  transport        %s\n", transport)
	label.Printf("  scan adapter     %s\n", cfg.ScanAdapter)
	label.Printf("  connect adapter  %s\n", cfg.ConnectAdapter)
	label.Printf("  exclusive control %v\n", cfg.ExclusiveControl)
}
