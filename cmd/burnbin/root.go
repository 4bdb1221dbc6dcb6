package main

import (
	"context"
	"time"

	"burnbin/cfg"
	"burnbin/pkg/secrets"
	"burnbin/svc/db"
	"burnbin/svc/util"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const secretCacheTTL = 5 * time.Minute

var envFile string

var rootCmd = &cobra.Command{
	Use:   "burnbin",
	Short: "burnbin - self-destructing paste service",
	Long: `burnbin stores text pastes that disappear after a time limit or a
number of views, whichever comes first.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return cfg.LoadDotEnv(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Read environment variables from this file if it exists")
}

// loadConfig reads, validates and resolves the environment, then sets up
// logging from it.
func loadConfig(ctx context.Context) (*cfg.Cfg, error) {
	c, err := cfg.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	if c.HasSecretRefs() {
		adapter, err := secrets.NewAdapter(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "init secrets provider")
		}
		if err := c.ResolveSecrets(ctx, secrets.NewCache(adapter, secretCacheTTL)); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func storeOptions(c *cfg.Cfg) db.Options {
	return db.Options{
		MaxOpenConns: c.DBMaxOpenConns,
		MaxIdleConns: c.DBMaxIdleConns,
		QueryTimeout: c.DBQueryTimeout,
	}
}
