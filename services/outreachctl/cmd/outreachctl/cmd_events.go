package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/model"
	"github.com/Mutter0815/InviteFlow/pkg/rmq"
)

var (
	eventsRMQURL string
	eventsQueue  string
)

// eventsCmd drains the relay queue, so it competes with any other consumer
// of that queue.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print terminal job events relayed to the message queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsRMQURL == "" {
			return errors.New("--rmq-url or RMQ_URL is required")
		}
		cons, err := rmq.NewConsumer(eventsRMQURL, eventsQueue)
		if err != nil {
			return fmt.Errorf("rmq: %w", err)
		}
		defer func() {
			if err := cons.Close(); err != nil {
				logx.L().Warnw("rmq_consumer_close_error", "error", err)
			}
		}()
		msgs, err := cons.Consume()
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s\n", eventsQueue)
		out := cmd.OutOrStdout()
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case d, ok := <-msgs:
				if !ok {
					return errors.New("rmq channel closed")
				}
				printDelivery(out, d)
				if err := d.Ack(false); err != nil {
					logx.L().Warnw("rmq_ack_error", "error", err)
				}
			}
		}
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsRMQURL, "rmq-url", os.Getenv("RMQ_URL"), "AMQP URL")
	eventsCmd.Flags().StringVar(&eventsQueue, "queue", envOr("EVENTS_QUEUE", "job_events"), "Relay queue name")
}

func printDelivery(out io.Writer, d amqp.Delivery) {
	if outputJSON {
		fmt.Fprintln(out, string(d.Body))
		return
	}
	var ev model.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		fmt.Fprintf(out, "%s undecodable event: %v\n", d.Type, err)
		return
	}
	fmt.Fprintf(out, "%s job=%s campaign=%d %s\n", describe(ev), ev.JobID, ev.CampaignID, d.Type)
}
