// Package main is the entry point for the privacyd binary.
// It serves the privacy request API and runs the request workers.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-privacy/pkg/config"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/logging"
	"github.com/polisai/polis-privacy/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for privacyd
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "privacyd",
		Short: "Privacy request execution engine",
		Long: `Executes data subject access, erasure and consent requests against the
collections declared in a dataset graph.

Example:
  privacyd serve --config privacy.yaml`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd(), newGraphCmd())
	return rootCmd
}

// loadConfig reads the config file and applies the log-level flag.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and run request workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Logging.LoggerConfig())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Telemetry.OTLPEndpoint != "" {
				shutdown, err := telemetry.SetupProvider(ctx, cfg.Telemetry.ProviderConfig())
				if err != nil {
					return fmt.Errorf("setup telemetry: %w", err)
				}
				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.Error("Telemetry shutdown error", "error", err)
					}
				}()
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			logger.Info("Starting privacyd", "mode", cfg.Execution.Mode, "workers", cfg.Execution.Workers, "storage", cfg.Storage.Backend)
			return a.run(ctx)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, policies and datasets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			g, err := loadGraph(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok: %d policies, %d connections, %d collections\n",
				len(cfg.Policies), len(cfg.Connections), len(g.Addresses()))
			return nil
		},
	}
}

func newGraphCmd() *cobra.Command {
	var identities []string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the access traversal for an identity",
		Long: `Builds the access traversal seeded by the given identity keys and prints
its generations. Collections in one generation run in parallel.

Example:
  privacyd graph --config privacy.yaml --identity email=jane@example.com`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			g, err := loadGraph(cfg)
			if err != nil {
				return err
			}
			seed, err := parseIdentities(identities)
			if err != nil {
				return err
			}
			tr, err := graph.BuildTraversal(cmd.Context(), g, seed, graph.OutOfBandFilter{})
			if err != nil {
				return fmt.Errorf("%s: %w", domain.ErrorCode(err), err)
			}
			return printTraversal(cmd.OutOrStdout(), tr)
		},
	}
	cmd.Flags().StringArrayVarP(&identities, "identity", "i", nil, "Identity as key=value, repeatable")
	return cmd
}

func loadGraph(cfg *config.Config) (*graph.Graph, error) {
	if cfg.Datasets.Dir == "" {
		return nil, fmt.Errorf("datasets.dir is required")
	}
	datasets, err := config.LoadDatasets(cfg.Datasets.Dir)
	if err != nil {
		return nil, err
	}
	return graph.New(datasets)
}

func parseIdentities(raw []string) (map[string]string, error) {
	seed := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid identity %q, expected key=value", kv)
		}
		seed[key] = value
	}
	if len(seed) == 0 {
		return nil, fmt.Errorf("at least one --identity is required")
	}
	return seed, nil
}

func printTraversal(w io.Writer, tr *graph.Traversal) error {
	for i, generation := range tr.Generations() {
		names := make([]string, len(generation))
		for j, addr := range generation {
			names[j] = addr.String()
		}
		if _, err := fmt.Fprintf(w, "%d: %s\n", i, strings.Join(names, ", ")); err != nil {
			return err
		}
	}
	for _, node := range tr.Nodes() {
		if node.Excluded {
			if _, err := fmt.Fprintf(w, "excluded %s: %s\n", node.Address, node.ExcludedReason); err != nil {
				return err
			}
		}
	}
	return nil
}
