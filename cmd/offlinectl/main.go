package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	cmd := &cobra.Command{
		Use:     "offlinectl",
		Short:   "offlinectl inspects and drains a local offline-sync database",
		Version: version,
	}

	cmd.PersistentFlags().StringP("db", "d", "offline.db", "The path to the sync database")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "console", "Log format (json, console)")

	viper.SetEnvPrefix("offline")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(cmd.PersistentFlags())

	cmd.AddCommand(statusCmd())
	cmd.AddCommand(pendingCmd())
	cmd.AddCommand(failedCmd())
	cmd.AddCommand(retryCmd())
	cmd.AddCommand(discardCmd())
	cmd.AddCommand(cacheCmd())
	cmd.AddCommand(drainCmd())

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
