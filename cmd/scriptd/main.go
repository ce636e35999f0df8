package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by client commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Token      string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := &cobra.Command{
		Use:          "scriptd",
		Short:        "scriptd runs filesystem scripts as managed processes behind a REST API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "http://127.0.0.1:8080/v1", "daemon base URL")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 15*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&globalFlags.Token, "token", os.Getenv("SCRIPTD_TOKEN"), "bearer token (defaults to $SCRIPTD_TOKEN)")

	root.AddCommand(
		createServeCommand(),
		createScriptsCommand(globalFlags),
		createRescanCommand(globalFlags),
		createRunCommand(globalFlags),
		createRunsCommand(globalFlags),
		createStatusCommand(globalFlags),
		createStopCommand(globalFlags),
		createLogsCommand(globalFlags),
		createTokenCommand(globalFlags),
		createClientCommand(),
	)
	return root
}
