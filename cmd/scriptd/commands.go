package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quantops/scriptd/pkg/client"
)

func newAPIClient(flags *GlobalFlags) *client.Client {
	return client.New(client.Config{
		BaseURL: flags.APIUrl,
		Token:   flags.Token,
		Timeout: flags.APITimeout,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createScriptsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scripts",
		Short: "List runnable scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(flags).ListScripts(context.Background())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func createRescanCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Rescan the scripts root",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(flags).Rescan(context.Background())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

// RunFlags holds flags for the run subcommand.
type RunFlags struct {
	Env []string
	Cwd string
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run <script> [-- args...]",
		Short: "Launch a script run",
		Long: `Launch a script run and print the resulting run record.

Examples:
  scriptd run hello.py
  scriptd run long_task.py -- --seconds 30
  scriptd run args_env.py --env GREETING=hi -- positional`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := make(map[string]string)
			for _, kv := range runFlags.Env {
				i := strings.IndexByte(kv, '=')
				if i <= 0 {
					return fmt.Errorf("invalid --env entry %q, expected KEY=VALUE", kv)
				}
				env[kv[:i]] = kv[i+1:]
			}
			out, err := newAPIClient(flags).StartRun(context.Background(), client.StartRunRequest{
				Script: args[0],
				Args:   args[1:],
				Env:    env,
				Cwd:    runFlags.Cwd,
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringArrayVar(&runFlags.Env, "env", nil, "extra KEY=VALUE for the run (repeatable)")
	cmd.Flags().StringVar(&runFlags.Cwd, "cwd", "", "working directory relative to the scripts root")
	return cmd
}

// RunsFlags holds flags for the runs subcommand.
type RunsFlags struct {
	State  string
	Offset int
	Limit  int
}

func createRunsCommand(flags *GlobalFlags) *cobra.Command {
	runsFlags := &RunsFlags{}
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(flags).ListRuns(context.Background(), runsFlags.State, runsFlags.Offset, runsFlags.Limit)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&runsFlags.State, "state", "", "filter by state (pending, running, exited, stopped, failed)")
	cmd.Flags().IntVar(&runsFlags.Offset, "offset", 0, "skip the first N runs")
	cmd.Flags().IntVar(&runsFlags.Limit, "limit", 0, "return at most N runs (0 = all)")
	return cmd
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show one run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(flags).GetRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a running run (SIGTERM, then SIGKILL after the grace period)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(flags).StopRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

// LogsFlags holds flags for the logs subcommand.
type LogsFlags struct {
	Stream    string
	TailBytes int64
}

func createLogsCommand(flags *GlobalFlags) *cobra.Command {
	logsFlags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Show captured output for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newAPIClient(flags).RunLogs(context.Background(), args[0], logsFlags.Stream, logsFlags.TailBytes)
			if err != nil {
				return err
			}
			switch logsFlags.Stream {
			case "", "stdout":
				fmt.Print(out.Stdout)
			case "stderr":
				fmt.Print(out.Stderr)
			default:
				for _, e := range out.Entries {
					fmt.Printf("[%s] %s", e.Stream, e.Payload)
					if !strings.HasSuffix(e.Payload, "\n") {
						fmt.Println()
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logsFlags.Stream, "stream", "stdout", "stdout, stderr, or both")
	cmd.Flags().Int64Var(&logsFlags.TailBytes, "tail-bytes", 0, "read at most N trailing bytes (0 = server default)")
	return cmd
}
