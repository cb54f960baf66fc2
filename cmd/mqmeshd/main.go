// Package main provides the CLI entry point for the mqmesh agent daemon.
//
// mqmesh runs an AI agent on an MQTT mesh: it subscribes to its task input
// topic, works tasks through an LLM with tool calling, and forwards or
// completes them according to the envelope's routing.
//
// # Basic Usage
//
// Start an agent:
//
//	mqmeshd run --config agent.yaml
//
// # Environment Variables
//
//   - MQMESH_CONFIG: Path to configuration file (default: mqmesh.yaml)
//   - MQMESH_API_KEY: LLM API key (the variable name is configurable via
//     llm.api_key_env)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mqmesh/mqmesh/internal/config"
	"github.com/mqmesh/mqmesh/internal/lifecycle"
	"github.com/mqmesh/mqmesh/internal/llm/openaicompat"
	"github.com/mqmesh/mqmesh/internal/observability"
	"github.com/mqmesh/mqmesh/internal/tools"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "mqmeshd",
		Short:   "MQTT agent-mesh runtime",
		Version: version,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	defaultConfig := os.Getenv("MQMESH_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "mqmesh.yaml"
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to configuration file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	provider := openaicompat.New(openaicompat.Config{
		APIKey:  cfg.APIKey(),
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})

	toolRegistry := tools.NewRegistry(cfg.ToolTimeout())

	agent := lifecycle.New(cfg, provider, toolRegistry, metrics, logger)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := agent.Start(startCtx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	return agent.Stop(stopCtx)
}
