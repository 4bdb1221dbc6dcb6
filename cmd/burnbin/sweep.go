package main

import (
	"time"

	"burnbin/svc/db"
	"burnbin/svc/svc"
	"burnbin/svc/util"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired and exhausted pastes once, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
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
		deleted, err := svc.Sweep(ctx, store, time.Now())
		if err != nil {
			return errors.Wrap(err, "sweep")
		}
		util.Info().Int("deleted", deleted).Msg("sweep completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
