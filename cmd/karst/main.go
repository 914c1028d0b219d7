package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/karstnetwork/karst/cmd/karst/commands"
)

var rootCmd = &cobra.Command{
	Use:   "karst",
	Short: "Karst P2P messaging node",
	Long:  "Encrypted peer-to-peer transport and messaging for karst network nodes",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "~/.karst/config.yaml", "Path to config file")
}

func main() {
	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewIdCmd())
	rootCmd.AddCommand(commands.NewPeersCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
