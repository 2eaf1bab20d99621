package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels/imessage"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
)

func accountsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List configured iMessage accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			plugin := imessage.NewPlugin(cfg, nil, imessage.PluginOptions{})

			if asJSON {
				out := make([]config.IMessageAccount, 0)
				for _, id := range plugin.ListAccounts() {
					out = append(out, plugin.ResolveAccount(id))
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"channel":      plugin.ID(),
					"capabilities": plugin.Capabilities(),
					"accounts":     out,
				})
			}

			for _, id := range plugin.ListAccounts() {
				acc := plugin.ResolveAccount(id)
				status := "disabled"
				if acc.Enabled {
					status = "enabled"
				}
				fmt.Printf("%-12s %-9s %-10s %-8s %s\n",
					acc.ID, status, acc.DMPolicy, acc.PollInterval, acc.DBPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print resolved accounts as JSON")
	return cmd
}
