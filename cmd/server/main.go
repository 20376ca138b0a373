package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crewsim/server/internal/app"
)

var (
	version = "dev"
	commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "crewsim",
	Short:   "Tick-driven multi-agent simulation server",
	Long:    `Crewsim runs a fixed-cadence simulation of autonomous agents, brokers their decision requests through a single-flight inference queue, and streams state deltas to WebSocket subscribers.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the simulation server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.Run(ctx, app.Options{ConfigPath: configPath})
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (yaml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
