package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/namyoh/concmgr/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the resolved configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the fully resolved configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		fmt.Println(cfg.String())
		return nil
	},
}

func init() {
	configShowCmd.Flags().String("config", "", "Path to a config file (YAML/TOML/JSON)")
	configCmd.AddCommand(configShowCmd)
}
