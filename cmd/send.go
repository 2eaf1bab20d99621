package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels/imessage"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
)

func sendCmd() *cobra.Command {
	var (
		account string
		to      string
		file    string
	)
	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send a message through Messages.app",
		Example: `  goclaw-imessage send --to +15551234567 "on my way"
  goclaw-imessage send --to "iMessage;+;chat1234" --file ./map.png "here"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			text := strings.Join(args, " ")
			if text == "" && file == "" {
				return fmt.Errorf("nothing to send: give text or --file")
			}

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			ch := imessage.NewPlugin(cfg, nil, imessage.PluginOptions{}).NewChannel(account)
			mgr := channels.NewManager()
			mgr.RegisterChannel(ch.Name(), ch)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			msg := bus.OutboundMessage{Channel: ch.Name(), ChatID: to, Content: text}
			if file != "" {
				msg.Content = ""
				msg.Media = []bus.MediaAttachment{{URL: file, Caption: text}}
			}
			if err := mgr.Send(ctx, msg); err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", config.DefaultAccountID, "account to send from")
	cmd.Flags().StringVar(&to, "to", "", "phone number, email or chat guid")
	cmd.Flags().StringVar(&file, "file", "", "attachment to send after the text")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
