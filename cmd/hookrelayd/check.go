package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hookrelay.dev/internal/conf"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validates the configuration file without starting the relay",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := conf.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("configuration is invalid")
		}
		// The store URL may embed credentials; report the database only.
		fmt.Fprintf(os.Stdout, "configuration ok: database %q, api %s\n", cfg.StoreDatabase, cfg.APIListenAddr)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the TOML config file")
}
