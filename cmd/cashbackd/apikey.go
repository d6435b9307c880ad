package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/cashback-api/apikeys"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/httpapi"
	"github.com/spf13/cobra"
)

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var (
		owner  string
		scopes []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key and print it once",
		Long: `Mint an API key in the configured key/value store.

The plaintext key is printed once and cannot be recovered. The in-process
memory:// store does not outlive this command, so a redis:// kvEndpoint is
required.

Example:
  cashbackd apikey create --owner partner-a --scope analytics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			if strings.HasPrefix(cfg.KVEndpoint, "memory:") {
				return errors.New("apikey create needs a persistent kvEndpoint")
			}
			store, err := httpapi.OpenStore(cfg, log.Logger, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			want := make([]auth.Scope, len(scopes))
			for i, s := range scopes {
				want[i] = auth.Scope(s)
			}
			key, err := apikeys.New(store, nil).Create(cmd.Context(), owner, want)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner recorded on the key")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope granted to the key (repeatable: analytics, admin, external)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}
