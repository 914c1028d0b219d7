package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/identity"
)

func NewIdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Show the node identity",
		Long:  "Print the NodeID and public keys, generating a key on first run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			id, err := identity.Load(config.ExpandPath(cfg.Daemon.KeyPath))
			if err != nil {
				return err
			}
			dh := id.DhPublicKey()
			fmt.Printf("Node ID:       %s\n", id.NodeID())
			fmt.Printf("Public Key:    %s\n", hex.EncodeToString(id.PublicKey()))
			fmt.Printf("DH Public Key: %s\n", hex.EncodeToString(dh[:]))
			return nil
		},
	}
}
