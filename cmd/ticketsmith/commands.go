package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/danshapiro/ticketsmith/internal/codegen"
	"github.com/danshapiro/ticketsmith/internal/pipeline/dot"
	"github.com/danshapiro/ticketsmith/internal/pipeline/engine"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var configPath, project, runID, logsRoot string
	var tickets []string
	cmd := &cobra.Command{
		Use:   "run --config <run.yaml> [--project KEY] [--tickets KEY-1,KEY-2]",
		Short: "Generate an application from tracker tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := codegen.LoadRunConfigFile(configPath)
			if err != nil {
				return err
			}
			if err := cfg.RequireSecrets(); err != nil {
				return err
			}
			if project == "" {
				project = cfg.ProjectKey
			}
			if project == "" {
				return fmt.Errorf("--project is required when the config has no project_key")
			}
			if runID == "" {
				if runID, err = engine.NewRunID(); err != nil {
					return err
				}
			}
			if logsRoot == "" {
				logsRoot = defaultLogsRoot(cfg, runID)
			}
			return runPipeline(cmd, g, cfg, logsRoot, func(opts engine.RunOptions, deps codegen.Deps) (*engine.Result, error) {
				opts.RunID = runID
				return codegen.Run(cmd.Context(), cfg, deps, codegen.InitialFields(project, tickets), opts)
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config (YAML or JSON)")
	cmd.Flags().StringVar(&project, "project", "", "tracker project key")
	cmd.Flags().StringSliceVar(&tickets, "tickets", nil, "ticket keys; empty means every item in the project")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: new ULID)")
	cmd.Flags().StringVar(&logsRoot, "logs-root", "", "directory for progress, checkpoint and logs")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	var configPath, logsRoot string
	cmd := &cobra.Command{
		Use:   "resume --config <run.yaml> --logs-root <dir>",
		Short: "Continue a run from its last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := codegen.LoadRunConfigFile(configPath)
			if err != nil {
				return err
			}
			if err := cfg.RequireSecrets(); err != nil {
				return err
			}
			return runPipeline(cmd, g, cfg, logsRoot, func(opts engine.RunOptions, deps codegen.Deps) (*engine.Result, error) {
				return codegen.Resume(cmd.Context(), cfg, deps, logsRoot, opts)
			})
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config (YAML or JSON)")
	cmd.Flags().StringVar(&logsRoot, "logs-root", "", "logs root of the run to resume")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("logs-root")
	return cmd
}

type invokeFunc func(opts engine.RunOptions, deps codegen.Deps) (*engine.Result, error)

// runPipeline wires logging, metrics and collaborators around one
// invocation and reports the outcome the way scripts expect.
func runPipeline(cmd *cobra.Command, g *globalFlags, cfg *codegen.RunConfigFile, logsRoot string, invoke invokeFunc) error {
	logger, closeLog, err := newLogger(cmd.ErrOrStderr(), g.logLevel, logsRoot)
	if err != nil {
		return err
	}
	defer closeLog()

	deps, err := codegen.NewDeps(cfg, logger)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	opts := engine.RunOptions{
		LogsRoot: logsRoot,
		Logger:   logger,
		Metrics:  engine.NewMetrics(reg),
	}
	res, runErr := invoke(opts, deps)
	if err := prometheus.WriteToTextfile(filepath.Join(logsRoot, "metrics.prom"), reg); err != nil {
		logger.Warn("metrics write failed", "error", err)
	}
	if runErr != nil {
		return &exitError{code: codegen.ExitCode(runErr), err: runErr}
	}
	printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
	return nil
}

func printResult(out, errOut io.Writer, res *engine.Result) {
	fmt.Fprintf(out, "run_id=%s\n", res.RunID)
	fmt.Fprintf(out, "logs_root=%s\n", res.LogsRoot)
	fmt.Fprintf(out, "status=%s\n", res.FinalStatus)
	fmt.Fprintf(out, "steps=%d\n", res.Steps)
	for _, w := range res.Warnings {
		fmt.Fprintf(errOut, "WARNING: %s\n", w)
	}
}

func defaultLogsRoot(cfg *codegen.RunConfigFile, runID string) string {
	if cfg.LogsRoot != "" {
		return filepath.Join(cfg.LogsRoot, runID)
	}
	return engine.DefaultLogsRoot(runID)
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate --config <run.yaml>",
		Short: "Check the run config and the pipeline graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := codegen.LoadRunConfigFile(configPath)
			if err != nil {
				return err
			}
			g, diags, err := codegen.Describe(cfg)
			for _, d := range diags {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
			}
			if err != nil {
				return &exitError{code: codegen.ExitCode(err), err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%d nodes)\n", g.Name(), len(g.NodeNames()))
			if err := cfg.RequireSecrets(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config (YAML or JSON)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newGraphCmd() *cobra.Command {
	var configPath, output string
	cmd := &cobra.Command{
		Use:   "graph --config <run.yaml> [--output pipeline.dot]",
		Short: "Print the pipeline as a Graphviz digraph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := codegen.LoadRunConfigFile(configPath)
			if err != nil {
				return err
			}
			g, _, err := codegen.Describe(cfg)
			if err != nil {
				return &exitError{code: codegen.ExitCode(err), err: err}
			}
			src := dot.Render(g)
			if output == "" {
				_, err := cmd.OutOrStdout().Write(src)
				return err
			}
			return os.WriteFile(output, src, 0o644)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config (YAML or JSON)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write DOT to this file instead of stdout")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
