package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/ops"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and retry deliveries",
}

var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deliveries, newest first",
	Long: `List deliveries with optional filters. Use --cursor with the value
printed at the end of a page to fetch the next one, or --all to follow every page.

Example:
  relayctl delivery list --endpoint-id ep_123 --status FAILED`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, f := range []struct{ flag, param string }{
			{"endpoint-id", "endpoint_id"},
			{"event-id", "event_id"},
			{"status", "status"},
			{"cursor", "cursor"},
		} {
			if v, _ := cmd.Flags().GetString(f.flag); v != "" {
				q.Set(f.param, v)
			}
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		all, _ := cmd.Flags().GetBool("all")

		c := newClient()
		var deliveries []delivery.Delivery
		var next string
		for {
			var page delivery.Page
			if err := c.do(cmd.Context(), "GET", "/v1/deliveries?"+q.Encode(), nil, &page); err != nil {
				return fmt.Errorf("failed to list deliveries: %w", err)
			}
			deliveries = append(deliveries, page.Deliveries...)
			next = page.NextCursor
			if !all || next == "" {
				break
			}
			q.Set("cursor", next)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, delivery.Page{Deliveries: deliveries, NextCursor: next})
		}
		if len(deliveries) == 0 {
			fmt.Fprintln(out, "No deliveries found")
			return nil
		}
		for _, d := range deliveries {
			printDeliveryLine(out, d)
		}
		if next != "" {
			fmt.Fprintf(out, "\nNext page: --cursor %s\n", next)
		}
		return nil
	},
}

var deliveryGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show one delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d delivery.Delivery
		if err := newClient().do(cmd.Context(), "GET", "/v1/deliveries/"+url.PathEscape(args[0]), nil, &d); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, d)
		}
		printDelivery(out, d)
		return nil
	},
}

var deliveryRetryCmd = &cobra.Command{
	Use:   "retry [delivery-id]",
	Short: "Reset a FAILED delivery so it is attempted again",
	Long: `Reset a FAILED delivery to PENDING with a fresh attempt budget. Deliveries
in any other state are left untouched, so retrying twice is harmless.

Example:
  relayctl delivery retry 2f1c0d9e-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res ops.RetryResult
		if err := newClient().do(cmd.Context(), "POST", "/v1/deliveries/"+url.PathEscape(args[0])+"/retry", nil, &res); err != nil {
			return fmt.Errorf("failed to retry delivery: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		if res.Reset {
			fmt.Fprintf(out, "Delivery %s queued for retry\n", res.Delivery.ID)
		} else {
			fmt.Fprintf(out, "Delivery %s is %s; nothing to retry\n", res.Delivery.ID, res.Delivery.Status)
		}
		return nil
	},
}

func printDeliveryLine(w io.Writer, d delivery.Delivery) {
	line := fmt.Sprintf("%s  %-9s  attempts=%d  endpoint=%s  event=%s", d.ID, d.Status, d.Attempts, d.EndpointID, d.EventID)
	if d.LastError != nil {
		line += "  error=" + *d.LastError
	}
	fmt.Fprintln(w, line)
}

func printDelivery(w io.Writer, d delivery.Delivery) {
	fmt.Fprintf(w, "Delivery %s\n", d.ID)
	fmt.Fprintf(w, "  Status: %s\n", d.Status)
	fmt.Fprintf(w, "  Endpoint: %s\n", d.EndpointID)
	fmt.Fprintf(w, "  Event: %s\n", d.EventID)
	fmt.Fprintf(w, "  Attempts: %d\n", d.Attempts)
	if d.LastCode != nil {
		fmt.Fprintf(w, "  Last HTTP status: %d\n", *d.LastCode)
	}
	if d.LastError != nil {
		fmt.Fprintf(w, "  Last error: %s\n", *d.LastError)
	}
	if d.NextAttemptAt != nil {
		fmt.Fprintf(w, "  Next attempt: %s\n", d.NextAttemptAt.Format(time.RFC3339))
	}
	if d.DeliveredAt != nil {
		fmt.Fprintf(w, "  Delivered: %s\n", d.DeliveredAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Created: %s\n", d.CreatedAt.Format(time.RFC3339))
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(deliveryListCmd, deliveryGetCmd, deliveryRetryCmd)

	deliveryListCmd.Flags().String("endpoint-id", "", "only deliveries to this endpoint")
	deliveryListCmd.Flags().String("event-id", "", "only deliveries of this event")
	deliveryListCmd.Flags().String("status", "", "PENDING, IN_FLIGHT, DELIVERED or FAILED")
	deliveryListCmd.Flags().Int("limit", 0, "page size (server default when 0)")
	deliveryListCmd.Flags().String("cursor", "", "continue from a previous page")
	deliveryListCmd.Flags().Bool("all", false, "follow every page")
}
