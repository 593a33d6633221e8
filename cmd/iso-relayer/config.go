package main

import (
	"fmt"

	"github.com/danmuck/iso-relayer/internal/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "iso-relayer.toml"

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate configuration files",
	}
	cmd.AddCommand(newConfigInitCommand(), newConfigCheckCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		kind  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if kind == config.KindDictionary {
				path = "dictionary.toml"
			}
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", config.KindRelay, "template kind: relay|dictionary")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a relay config without starting it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if _, err := cfg.LoadDictionary(); err != nil {
				return &config.ConfigurationError{Path: path, Err: err}
			}
			table, err := cfg.RouteTable()
			if err != nil {
				return &config.ConfigurationError{Path: path, Err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d endpoints, %d routes)\n", path, len(cfg.Endpoints), table.Len())
			return nil
		},
	}
}
