package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels/imessage"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/dispatch"
	"github.com/nextlevelbuilder/goclaw-imessage/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goclaw-imessage doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Dispatch:")
	fmt.Printf("    %-12s %s\n", "Mode:", cfg.Dispatch.Mode)
	pipeline, err := dispatch.New(cfg.Dispatch)
	if err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "Pipeline:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Pipeline:")
	}
	if cfg.Dispatch.Mode == "" || cfg.Dispatch.Mode == dispatch.ModeGateway {
		fmt.Printf("    %-12s %s\n", "Gateway:", cfg.Dispatch.GatewayURL)
		if cfg.Dispatch.Token == "" {
			fmt.Printf("    %-12s (not set, GOCLAW_IMESSAGE_GATEWAY_TOKEN)\n", "Token:")
		} else {
			fmt.Printf("    %-12s set\n", "Token:")
		}
		if gw, ok := pipeline.(*dispatch.GatewayPipeline); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := gw.Health(ctx); err != nil {
				fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Health:", err)
			} else {
				fmt.Printf("    %-12s OK\n", "Health:")
			}
			cancel()
			gw.Close()
		}
	}

	fmt.Println()
	fmt.Println("  Accounts:")
	for _, id := range cfg.IMessageAccountIDs() {
		checkAccount(cfg, cfg.ResolveIMessageAccount(id))
	}
	if problems := imessage.NewPlugin(cfg, nil, imessage.PluginOptions{}).Problems(); len(problems) > 0 {
		fmt.Println()
		fmt.Println("  Config problems:")
		for _, problem := range problems {
			fmt.Printf("    - %s\n", problem)
		}
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("osascript")

	fmt.Println()
	fmt.Printf("  State dir: %s", cfg.StateDir())
	if _, err := os.Stat(cfg.StateDir()); err != nil {
		fmt.Println(" (NOT FOUND, created on first start)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkAccount(cfg *config.Config, acc config.IMessageAccount) {
	status := "disabled"
	if acc.Enabled {
		status = "enabled"
	}
	fmt.Printf("    %-12s %s, dmPolicy=%s, allowFrom=%d\n", acc.ID+":", status, acc.DMPolicy, len(acc.AllowFrom))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := imessage.OpenChatDB(ctx, acc.DBPath)
	if err != nil {
		fmt.Printf("      %-10s %s (CANNOT OPEN: %s; grant Full Disk Access)\n", "chat.db:", acc.DBPath, err)
	} else {
		maxID, err := db.MaxRowID(ctx)
		db.Close()
		if err != nil {
			fmt.Printf("      %-10s %s (QUERY FAILED: %s)\n", "chat.db:", acc.DBPath, err)
		} else {
			fmt.Printf("      %-10s %s (OK, max rowid %d)\n", "chat.db:", acc.DBPath, maxID)
		}
	}

	dir := imessage.AccountStateDir(cfg.StateDir(), acc.ID)
	if wm, err := imessage.NewWatermarkStore(imessage.WatermarkPath(dir)).Read(); err == nil {
		fmt.Printf("      %-10s rowid %d\n", "Watermark:", wm.LastRowID)
	} else {
		fmt.Printf("      %-10s (none)\n", "Watermark:")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
