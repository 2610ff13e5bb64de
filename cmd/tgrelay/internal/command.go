package internal

import (
	"github.com/spf13/cobra"
)

func NewRunCommand() *cobra.Command {
	var cfgPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the replication engine",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return RunCmd(cfgPath, debug)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to the config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func NewLoginCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Bootstrap or confirm a messaging-network session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return LoginCmd(cfgPath)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to the config file")
	return cmd
}

func NewValidateConfigCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a config file without starting the engine",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return ValidateConfigCmd(cfgPath)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to the config file")
	return cmd
}
