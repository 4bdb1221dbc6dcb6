package main

import (
	"os"

	"burnbin/svc/util"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		util.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
