package main

import (
	"context"
	"time"

	"burnbin/svc/db"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Exit 0 if the configured store answers a ping",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		c, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		defer c.Wipe()
		store, err := db.Open(ctx, c.DatabaseURL.Value(), storeOptions(c))
		if err != nil {
			return errors.Wrap(err, "open store")
		}
		defer store.Close()
		return store.Ping(ctx)
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}
