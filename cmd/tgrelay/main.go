package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kelvinzhao/tgrelay/cmd/tgrelay/internal"
)

func main() {
	root := &cobra.Command{
		Use:   "tgrelay",
		Short: "Channel-pair message replication engine",
	}

	root.AddCommand(
		internal.NewRunCommand(),
		internal.NewLoginCommand(),
		internal.NewValidateConfigCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
