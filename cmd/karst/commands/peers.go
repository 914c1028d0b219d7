package commands

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/karstnetwork/karst/internal/config"
	"github.com/karstnetwork/karst/internal/peers"
)

func NewPeersCmd() *cobra.Command {
	var showBanned bool

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the peer directory",
		Long:  "Print the persisted peer directory with addresses and ban state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pm := peers.NewManager(peers.Options{})
			defer pm.Close()

			path := filepath.Join(config.ExpandPath(cfg.Daemon.DataDir), "peers.json")
			if err := pm.Load(path); err != nil {
				return err
			}

			all := pm.AllPeers()
			sort.Slice(all, func(i, j int) bool {
				return all[i].NodeID.Cmp(all[j].NodeID) < 0
			})

			now := time.Now()
			for _, p := range all {
				banned := p.IsBanned(now)
				if showBanned && !banned {
					continue
				}
				status := "ok"
				if banned {
					status = fmt.Sprintf("banned until %s (%s)", p.BanExpiry.Format(time.RFC3339), p.BanReason)
				} else if p.Offline {
					status = "offline"
				}
				fmt.Printf("%s  addrs=%d  last_seen=%s  %s\n",
					p.NodeID.Short(), len(p.Addresses), p.LastSeen.Format(time.RFC3339), status)
			}
			fmt.Printf("%d peers\n", len(all))
			return nil
		},
	}

	cmd.Flags().BoolVar(&showBanned, "banned", false, "Show only banned peers")
	return cmd
}
