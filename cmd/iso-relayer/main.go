package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/iso-relayer/internal/config"
	"github.com/spf13/cobra"
)

// set by -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "iso-relayer",
		Short:         "ISO 8583 relay between acquirers and issuer endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newServeCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "iso-relayer %s\n", version)
		},
	})
	return root
}

// reportError prints configuration problems one per line.
func reportError(w io.Writer, err error) {
	var cerr *config.ConfigurationError
	if errors.As(err, &cerr) {
		fmt.Fprintf(w, "iso-relayer: invalid configuration %s\n", cerr.Path)
		for _, p := range cerr.Problems() {
			fmt.Fprintf(w, "  - %v\n", p)
		}
		return
	}
	fmt.Fprintf(w, "iso-relayer: %v\n", err)
}
