package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quantops/scriptd/internal/auth"
)

// TokenFlags holds flags for the token subcommand.
type TokenFlags struct {
	AdminSecret  string
	ClientID     string
	ClientSecret string
}

func createTokenCommand(flags *GlobalFlags) *cobra.Command {
	tokenFlags := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Exchange credentials for a bearer token",
		Long: `Exchange the admin shared secret or a client credential for a bearer
token. Export the printed token as SCRIPTD_TOKEN for the other commands.

Examples:
  scriptd token --admin-secret s3cret
  scriptd token --client-id client_ab12 --client-secret ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient(flags)
			ctx := context.Background()
			switch {
			case tokenFlags.AdminSecret != "":
				tok, err := api.AdminToken(ctx, tokenFlags.AdminSecret)
				if err != nil {
					return err
				}
				return printJSON(tok)
			case tokenFlags.ClientID != "":
				tok, err := api.ClientToken(ctx, tokenFlags.ClientID, tokenFlags.ClientSecret)
				if err != nil {
					return err
				}
				return printJSON(tok)
			default:
				return fmt.Errorf("either --admin-secret or --client-id/--client-secret is required")
			}
		},
	}
	cmd.Flags().StringVar(&tokenFlags.AdminSecret, "admin-secret", "", "admin shared secret")
	cmd.Flags().StringVar(&tokenFlags.ClientID, "client-id", "", "client credential id")
	cmd.Flags().StringVar(&tokenFlags.ClientSecret, "client-secret", "", "client credential secret")
	return cmd
}

// ClientFlags holds flags for client credential management.
type ClientFlags struct {
	StorePath string
	Name      string
	Scopes    string
}

// createClientCommand manages the client-credential store directly on disk.
// These commands run on the daemon host, not over the API.
func createClientCommand() *cobra.Command {
	clientFlags := &ClientFlags{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage API client credentials (on the daemon host)",
	}
	cmd.PersistentFlags().StringVar(&clientFlags.StorePath, "store", "auth.db", "path to the credential database")

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a client credential and print its secret once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientFlags.Name == "" {
				return fmt.Errorf("--name is required")
			}
			scopes := []string{auth.ScopeScriptsRead}
			if clientFlags.Scopes != "" {
				scopes = strings.Split(clientFlags.Scopes, ",")
			}
			store, err := auth.OpenStore(clientFlags.StorePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			c, err := store.CreateClient(context.Background(), clientFlags.Name, scopes)
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
	create.Flags().StringVar(&clientFlags.Name, "name", "", "client display name (required)")
	create.Flags().StringVar(&clientFlags.Scopes, "scopes", "", "comma-separated scopes (default scripts:read)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List client credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := auth.OpenStore(clientFlags.StorePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			clients, err := store.ListClients(context.Background())
			if err != nil {
				return err
			}
			return printJSON(clients)
		},
	}

	del := &cobra.Command{
		Use:   "delete <client-id>",
		Short: "Delete a client credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := auth.OpenStore(clientFlags.StorePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := store.DeleteClient(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}
