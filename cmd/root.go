package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/admitrievsky/freeroute/internal/logging"
	verpkg "github.com/admitrievsky/freeroute/internal/version"
)

var (
	cfgFile   string //nolint:gochecknoglobals // cobra command flag
	logLevel  string //nolint:gochecknoglobals // cobra command flag
	logFormat string //nolint:gochecknoglobals // cobra command flag
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "freeroute",
		Short:         "Split-tunnel policy router driven by DNS",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			base := logging.Base("freeroute", logLevel, logFormat)
			cmd.SetContext(base.WithContext(cmd.Context()))

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: $CONFIG or config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json, console")

	rootCmd.AddCommand(newRunCmd())

	rootCmd.Version = verpkg.GetVersion()
	rootCmd.SetVersionTemplate("freeroute " + verpkg.GetVersion())

	return rootCmd
}

func ExecuteContext(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
