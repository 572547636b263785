package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendDirect  bool
	sendReplyTo string
	sendJSON    bool
)

func init() {
	sendCmd.Flags().BoolVar(&sendDirect, "direct", false, "Treat the first argument as a user id and send in the 1:1 conversation")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Unique id of the message being replied to")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the sent message as JSON")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, text := args[0], args[1]
		cfg := mustConfig()
		if cfg.Auth.Identity == "" {
			return errors.New("no identity configured; run 'chatsync config set auth.identity <user-id>'")
		}

		engine, err := newEngine(cfg, nil, nil, nil)
		if err != nil {
			return err
		}
		w := engine.Writer()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convID := target
		if sendDirect {
			convID = chatsync.DirectConversationID(cfg.Auth.Identity, target)
			_, err := getClient(cfg).GetConversation(ctx, convID)
			switch {
			case errors.Is(err, chatsync.ErrNotFound):
				if _, err := w.CreateConversation(ctx, []string{target}, ""); err != nil {
					return fmt.Errorf("open direct conversation: %w", err)
				}
			case err != nil:
				return fmt.Errorf("look up direct conversation: %w", err)
			}
		}

		msg, err := w.Send(ctx, chatsync.Draft{
			ConversationID: convID,
			Body:           chatsync.MessageBody{Text: text},
			ReplyToID:      sendReplyTo,
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Message sent to conversation %s\n", convID)
		fmt.Printf("  Message ID: %s\n", msg.UniqueID)
		fmt.Printf("  File ID:    %s\n", msg.FileID)
		fmt.Printf("  Status:     %s\n", msg.DeliveryStatus)
		for r, st := range msg.DeliveryDetail {
			if st == chatsync.DeliveryFailed {
				fmt.Printf("  Not delivered to %s (server will retry)\n", r)
			}
		}
		return nil
	},
}
