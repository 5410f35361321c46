/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaalot/apiserver/config"
	"github.com/shaalot/apiserver/internal/logging"
	"github.com/shaalot/apiserver/internal/mq"
	"github.com/spf13/cobra"
)

var eventsChannel string

// eventsCmd represents the events command.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect notification events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print notification events as they are published",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		channel := eventsChannel
		if channel == "" {
			channel = cfg.MQ.NotificationChannel
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		broker, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if broker == nil {
			return errors.New("MQ_BACKEND is not configured")
		}
		defer func() {
			_ = broker.Close()
		}()

		logging.Logger.WithField("backend", broker.Backend()).
			WithField("channel", channel).
			Info("tailing events")

		out := cmd.OutOrStdout()
		err = broker.Subscribe(ctx, channel, func(_ context.Context, msg mq.Message) error {
			_, err := fmt.Fprintf(out, "%s\n", msg.Data)
			return err
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)

	eventsTailCmd.Flags().StringVar(&eventsChannel, "channel", "", "channel to read, defaults to MQ_NOTIFICATION_CHANNEL")
}
