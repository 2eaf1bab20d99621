package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels/imessage"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
)

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset per-account poll state",
	}
	cmd.AddCommand(stateShowCmd())
	cmd.AddCommand(stateResetCmd())
	return cmd
}

func stateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [account]",
		Short: "Show the watermark and lease owner of each account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			ids := cfg.IMessageAccountIDs()
			if len(args) == 1 {
				ids = args
			}
			for _, id := range ids {
				dir := imessage.AccountStateDir(cfg.StateDir(), id)
				fmt.Printf("%s (%s)\n", id, dir)

				store := imessage.NewWatermarkStore(imessage.WatermarkPath(dir))
				if wm, err := store.Read(); err != nil {
					fmt.Printf("  %-12s (none: %v)\n", "watermark:", err)
				} else {
					fmt.Printf("  %-12s rowid %d, %d recent ids\n", "watermark:", wm.LastRowID, len(wm.ProcessedIDs))
				}

				if owner, err := imessage.NewLease(imessage.LeasePath(dir)).Owner(); err != nil || owner == "" {
					fmt.Printf("  %-12s (none)\n", "lease:")
				} else {
					fmt.Printf("  %-12s %s\n", "lease:", owner)
				}
			}
			return nil
		},
	}
}

func stateResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <account>",
		Short: "Forget the watermark; the next start resumes from the newest message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			dir := imessage.AccountStateDir(cfg.StateDir(), args[0])
			store := imessage.NewWatermarkStore(imessage.WatermarkPath(dir))
			if err := store.Reset(); err != nil {
				return err
			}
			fmt.Printf("watermark reset: %s\n", store.Path())
			return nil
		},
	}
}
