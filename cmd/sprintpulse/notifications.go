package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	notificationsUnread bool
	notificationsJSON   bool
)

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)

	notificationsListCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Only show unread notifications")
	notificationsListCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "List and acknowledge notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.ListNotifications(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if notificationsJSON {
			data, err := json.MarshalIndent(list, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		shown := 0
		for _, n := range list {
			if notificationsUnread && n.IsRead {
				continue
			}
			fmt.Println(renderNotification(n))
			shown++
		}
		if shown == 0 {
			fmt.Println("No notifications.")
		}
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkNotificationRead(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %s as read\n", args[0])
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkAllNotificationsRead(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("All notifications marked as read")
		return nil
	},
}
