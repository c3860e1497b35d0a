package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/visionjobs/internal/api/handler"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

func newKeysCmd(l *lazyEnv) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage dashboard API keys",
	}
	keys.AddCommand(newKeysCreateCmd(l), newKeysListCmd(l), newKeysRevokeCmd(l))
	return keys
}

func newKeysCreateCmd(l *lazyEnv) *cobra.Command {
	var (
		name   string
		scopes []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a key; the raw key is printed once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, key, err := handler.NewAPIKey(name, scopes)
			if err != nil {
				return err
			}
			e, err := l.get(cmd.Context())
			if err != nil {
				return err
			}
			if err := e.keys.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("create key: %w", err)
			}
			cmd.Printf("Created key %s (%s) with scopes %s\n", key.ID, key.Name, strings.Join(key.Scopes, ","))
			cmd.Println(raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{models.ScopeRead}, "scopes granted to the key (read, admin)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newKeysListCmd(l *lazyEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := l.get(cmd.Context())
			if err != nil {
				return err
			}
			keys, err := e.keys.ListAPIKeys(cmd.Context())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tLAST USED")
			for _, k := range keys {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed)
			}
			return tw.Flush()
		},
	}
}

func newKeysRevokeCmd(l *lazyEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			e, err := l.get(cmd.Context())
			if err != nil {
				return err
			}
			err = e.keys.RevokeAPIKey(cmd.Context(), id)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("key %s not found", id)
			}
			if err != nil {
				return fmt.Errorf("revoke key: %w", err)
			}
			cmd.Printf("Revoked key %s\n", id)
			return nil
		},
	}
}
